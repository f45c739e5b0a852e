// Package dispatch implements the single-threaded message pump that routes
// decoded requests to the executor that owns them (spec.md §4.4).
package dispatch

import (
	"context"
	"log/slog"
	"os"

	"github.com/execd/execd/internal/wire"
)

// Writer is the abstract sink a single client's replies and notifications
// flow through (spec.md §4.3). Two writers denote the same subscriber iff
// their Key is equal: for the stream-socket transport that's the
// connection's file descriptor, for the grpc transport it's the stream's
// session id. SendResult is called exactly once per request, with that
// request's sequence. SendResponse is called zero or more times for
// asynchronous termination notifications. Both are no-ops once the
// underlying connection is gone — callers never need to check for that
// themselves, only log-worthy errors are returned.
type Writer interface {
	Key() string
	SendResult(*wire.Result) error
	SendResponse(*wire.Response) error

	// SendResultFD is SendResult for a normal-start Result whose Type is
	// ResultFD: fd travels as ancillary data on transports that support
	// it (the stream socket). Transports with no file-descriptor-passing
	// equivalent (the grpc binder) return an error and send nothing —
	// normal-start over such a transport is simply unsupported.
	SendResultFD(res *wire.Result, fd *os.File) error
}

// Message is one unit of work flowing from a reader into the dispatcher:
// a decoded request paired with the writer that should receive its result
// and, if it starts a long-lived entity, its future responses.
type Message struct {
	Request *wire.Request
	Writer  Writer
}

// Executor is a subsystem with its own queue and worker thread that claims
// one category of request (normal, service, or event). Handle must not
// block the dispatcher — it should enqueue the message onto the
// executor's own queue and return immediately.
type Executor interface {
	Name() string
	Claims(kind wire.RequestKind) bool
	Handle(msg Message)
}

// Dispatcher is the single message-pump thread. It round-robins a message
// through its executors, in the fixed order they were registered, until
// one claims it.
type Dispatcher struct {
	executors []Executor
	queue     chan Message
	log       *slog.Logger
}

// New creates a Dispatcher with the given executors, offered in order.
func New(log *slog.Logger, executors ...Executor) *Dispatcher {
	return &Dispatcher{
		executors: executors,
		queue:     make(chan Message, 256),
		log:       log,
	}
}

// Post enqueues a message for dispatch. It never blocks on executor work —
// only on the (large, effectively non-blocking in practice) queue itself.
func (d *Dispatcher) Post(msg Message) {
	d.queue <- msg
}

// Run pumps messages until ctx is cancelled. It is meant to run on its own
// goroutine for the lifetime of the daemon.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.route(msg)
		}
	}
}

func (d *Dispatcher) route(msg Message) {
	for _, e := range d.executors {
		if e.Claims(msg.Request.Kind) {
			e.Handle(msg)
			return
		}
	}
	d.log.Warn("dispatch: no executor claimed message", "kind", msg.Request.Kind.String(), "sequence", msg.Request.Sequence)
}
