package eventexec

import (
	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/wire"
)

// EventDef is the persistent, user-authored definition of an event: a
// command string plus the identity/resource parameters it should run with
// and the triggers that arm it (spec.md §3, "Internal entities").
type EventDef struct {
	Name          string
	CommandString string
	Params        *wire.Params
	RestartOnFail bool

	triggers []trigger
}

// runState tracks the live status of one armed event. Unlike services,
// events have no single running/paused boolean — at most one instance of
// an event's command is in flight at a time, named by label while it runs.
type runState struct {
	starting bool
	running  bool
	label    uint64
	failed   bool

	// writers holds every client that has subscribed to this event's
	// termination notifications, keyed by dispatch.Writer.Key so the
	// same client is never double-counted across repeated info calls.
	writers map[string]dispatch.Writer
}

func newRunState() *runState {
	return &runState{writers: make(map[string]dispatch.Writer)}
}

func (s *runState) addWriter(w dispatch.Writer) {
	if w == nil {
		return
	}
	s.writers[w.Key()] = w
}
