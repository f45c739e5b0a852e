package wire

// Response is an asynchronous notification addressed by Label, delivered
// to every writer subscribed to that label. It is never a reply to a
// specific request — Sequence does not appear here; spec.md's "Response"
// record has none.
type Response struct {
	Label  uint64
	Name   string
	Kind   ResponseKind
	Status ResponseStatus
	Extra  []byte
}

// Encode serializes r into a record body.
func (r *Response) Encode() []byte {
	e := &encoder{}
	e.u64(r.Label)
	e.str(r.Name)
	e.u8(uint8(r.Kind))
	e.u8(uint8(r.Status))
	extra := r.Extra
	if len(extra) > ExtraBufferLen {
		extra = extra[:ExtraBufferLen]
	}
	e.bytes(extra)
	return e.buf
}

// DecodeResponse parses a record body produced by Response.Encode.
func DecodeResponse(body []byte) (*Response, error) {
	d := newDecoder(body)
	r := &Response{}
	r.Label = d.u64()
	r.Name = d.strField()
	r.Kind = ResponseKind(d.u8())
	r.Status = ResponseStatus(d.u8())
	r.Extra = d.bytesField()
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}
