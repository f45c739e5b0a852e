package wire

// Request is the typed union over the three request kinds a client can
// send: interactive command, service, and event. Only the fields relevant
// to Kind (and, for service/event, to the embedded op) are meaningful; the
// rest are zero.
type Request struct {
	Sequence uint32
	Kind     RequestKind

	Label   uint64 // target of close/stop/pause/restart/info; 0 on start/add
	Name    string
	Command string
	Params  *Params

	// Normal-specific.
	NormalOp  NormalOp
	Direction Direction

	// Service-specific.
	ServiceOp    ServiceOp
	ServiceFlags ServiceFlags
	InfoKey      InfoKey

	// Event-specific.
	EventOp        EventOp
	EventFlags     EventFlags
	DeleteStopFlag bool
}

// Encode serializes r into a record body (without the length/kind header).
func (r *Request) Encode() []byte {
	e := &encoder{}
	e.u32(r.Sequence)
	e.u8(uint8(r.Kind))
	e.u64(r.Label)
	e.str(r.Name)
	e.str(r.Command)
	e.bool(r.Params != nil)
	if r.Params != nil {
		r.Params.encode(e)
	}

	switch r.Kind {
	case KindNormal:
		e.u8(uint8(r.NormalOp))
		e.u8(uint8(r.Direction))
	case KindService:
		e.u8(uint8(r.ServiceOp))
		e.u8(uint8(r.ServiceFlags))
		e.u8(uint8(r.InfoKey))
	case KindEvent:
		e.u8(uint8(r.EventOp))
		e.u8(uint8(r.EventFlags))
		e.bool(r.DeleteStopFlag)
	}
	return e.buf
}

// DecodeRequest parses a record body produced by Request.Encode. If every
// field decodes but Params.Validate rejects the payload (spec.md §9's
// property-pair length check), the partially-built *Request is returned
// alongside the error — it already carries a valid Sequence/Name, which
// callers need to reply with status=fail rather than dropping the request
// silently. A malformed record (decode error before that point) has no
// reliable Sequence to reply with, so it still returns a nil *Request.
func DecodeRequest(body []byte) (*Request, error) {
	d := newDecoder(body)
	r := &Request{}
	r.Sequence = d.u32()
	r.Kind = RequestKind(d.u8())
	r.Label = d.u64()
	r.Name = d.strField()
	r.Command = d.strField()
	hasParams := d.boolean()
	if hasParams {
		r.Params = decodeParams(d)
	}

	switch r.Kind {
	case KindNormal:
		r.NormalOp = NormalOp(d.u8())
		r.Direction = Direction(d.u8())
	case KindService:
		r.ServiceOp = ServiceOp(d.u8())
		r.ServiceFlags = ServiceFlags(d.u8())
		r.InfoKey = InfoKey(d.u8())
	case KindEvent:
		r.EventOp = EventOp(d.u8())
		r.EventFlags = EventFlags(d.u8())
		r.DeleteStopFlag = d.boolean()
	}

	if d.err != nil {
		return nil, d.err
	}
	if r.Params != nil {
		if err := r.Params.Validate(); err != nil {
			return r, err
		}
	}
	return r, nil
}
