package wire

import "fmt"

// Result is the synchronous reply to a Request, carrying the same
// sequence number. For service-start and event-service-start, Type is
// ResultLabel and Extra holds the assigned label as 8 little-endian bytes
// (see Result.Label). For normal-start, Type is ResultFD and the passed
// file descriptor itself travels out-of-band (ancillary data on the
// stream-socket transport; the grpc transport has no equivalent and never
// produces ResultFD).
type Result struct {
	Sequence uint32
	Name     string
	Status   Status
	Type     ResultType
	Extra    []byte // <= ExtraBufferLen
}

// Label decodes Extra as a label. Valid for ResultLabel (service and event
// starts) and ResultFD (a normal-start also carries its label in Extra
// alongside the passed file descriptor, so the client can address the
// command by label on CloseCommand).
func (r *Result) Label() (uint64, error) {
	if r.Type != ResultLabel && r.Type != ResultFD {
		return 0, fmt.Errorf("wire: result type %v has no label", r.Type)
	}
	d := newDecoder(r.Extra)
	v := d.u64()
	if d.err != nil {
		return 0, d.err
	}
	return v, nil
}

// LabelResult builds a Result carrying a label payload.
func LabelResult(seq uint32, name string, status Status, label uint64) *Result {
	e := &encoder{}
	e.u64(label)
	return &Result{Sequence: seq, Name: name, Status: status, Type: ResultLabel, Extra: e.buf}
}

// Encode serializes r into a record body.
func (r *Result) Encode() []byte {
	e := &encoder{}
	e.u32(r.Sequence)
	e.str(r.Name)
	e.u8(uint8(r.Status))
	e.u8(uint8(r.Type))
	if len(r.Extra) > ExtraBufferLen {
		r = &Result{Sequence: r.Sequence, Name: r.Name, Status: r.Status, Type: r.Type, Extra: r.Extra[:ExtraBufferLen]}
	}
	e.bytes(r.Extra)
	return e.buf
}

// DecodeResult parses a record body produced by Result.Encode.
func DecodeResult(body []byte) (*Result, error) {
	d := newDecoder(body)
	r := &Result{}
	r.Sequence = d.u32()
	r.Name = d.strField()
	r.Status = Status(d.u8())
	r.Type = ResultType(d.u8())
	r.Extra = d.bytesField()
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}
