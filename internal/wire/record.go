// Package wire defines the typed request/result/response records exchanged
// between execd and its clients, and their binary encoding.
//
// Every record on the wire begins with a 4-byte little-endian length and a
// 1-byte frame kind, followed by kind-specific fields. Integers are
// little-endian; strings are length-prefixed UTF-8. Sequence 0 is reserved
// to mean "no sequence". Asynchronous Response records are not replies to
// any particular request and carry no sequence field at all.
package wire

// FrameKind distinguishes the two record shapes a client ever reads back
// from the daemon: a synchronous Result (one per request) or an
// asynchronous Response (zero or more, addressed by label). Records sent
// by a client to the daemon are always Requests; there is no ambiguity to
// resolve there, so FrameKind is not inspected on that side of the wire.
type FrameKind uint8

const (
	FrameResult   FrameKind = 0
	FrameResponse FrameKind = 1
)

// RequestKind is the discriminant of a Request: which of the three
// executors should claim it.
type RequestKind uint8

const (
	KindNormal RequestKind = iota
	KindService
	KindEvent
)

func (k RequestKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindService:
		return "service"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// NormalOp is the operation requested of the normal (interactive command)
// executor.
type NormalOp uint8

const (
	NormalStart NormalOp = iota
	NormalClose
)

// Direction selects which end of the command's pipe the caller wants back.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// ServiceOp is the operation requested of the service executor.
type ServiceOp uint8

const (
	ServiceStart ServiceOp = iota
	ServiceStop
	ServicePause
	ServiceRestart
	ServiceInfo
)

// ServiceFlags records whether a service was started directly by a client
// or materialised by the event executor on a trigger firing.
type ServiceFlags uint8

const (
	FlagPlain ServiceFlags = iota
	FlagFromEvent
)

// InfoKey selects how a service-info request identifies its target.
type InfoKey uint8

const (
	ByName InfoKey = iota
	ByLabel
)

// EventOp is the operation requested of the event executor.
type EventOp uint8

const (
	EventAdd EventOp = iota
	EventDelete
	EventInfo
)

// EventFlags carries event-level behavior flags (currently just whether a
// failed run should be automatically restarted).
type EventFlags uint8

const (
	EventFlagNone EventFlags = iota
	EventFlagRestartOnFail
)

// Status is the outcome of a synchronous Result.
type Status uint8

const (
	StatusOK Status = iota
	StatusFail
	StatusTimeout
	StatusSecure
	StatusExists
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFail:
		return "fail"
	case StatusTimeout:
		return "timeout"
	case StatusSecure:
		return "secure"
	case StatusExists:
		return "exists"
	default:
		return "unknown"
	}
}

// ResultType describes what payload, if any, accompanies a Result.
type ResultType uint8

const (
	ResultNone ResultType = iota
	ResultFD
	ResultLabel
	ResultExtra
)

// ResponseKind distinguishes a normal-command termination from a service
// termination in an asynchronous Response.
type ResponseKind uint8

const (
	RespKindNormal ResponseKind = iota
	RespKindService
)

// ResponseStatus is the terminal reason carried by a Response.
type ResponseStatus uint8

const (
	RespExit ResponseStatus = iota
	RespSignal
	RespUser
	RespUnknown
)

func (s ResponseStatus) String() string {
	switch s {
	case RespExit:
		return "exit"
	case RespSignal:
		return "signal"
	case RespUser:
		return "user"
	case RespUnknown:
		return "unknown"
	default:
		return "unrecognized"
	}
}

// ExtraBufferLen is the fixed capacity of the extra payload carried by a
// Result or Response, matching the original daemon's SACE_RESULT_BUF_SIZE
// scaled down to what execd actually needs to carry (an exit code, a
// signal number, or a small serialized ServiceInfo snapshot).
const ExtraBufferLen = 256

// NoSequence is the reserved sequence value meaning "not a reply to any
// request".
const NoSequence uint32 = 0
