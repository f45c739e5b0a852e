// Package normalexec implements the normal (interactive command) executor
// (spec.md §4.5): it forks+execs a one-shot "sh -c command_string", hands
// one end of a pipe back to the caller as a passed FD, and reaps the child
// when the caller closes the command. A child that exits on its own is not
// waited for, and the daemon's end of its pipe stays open, until that close.
package normalexec

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/labels"
	"github.com/execd/execd/internal/spawn"
	"github.com/execd/execd/internal/wire"
)

// commandInfo is the normal executor's per-command bookkeeping entry
// (spec.md §3's CommandInfo).
type commandInfo struct {
	label         uint64
	cmd           *exec.Cmd
	ourEnd        *os.File // kept open by the daemon; closed when the client closes the command
	direction     wire.Direction
	writer        dispatch.Writer
	commandString string
	closed        bool
}

// Executor is the normal executor.
type Executor struct {
	mu       sync.Mutex
	commands map[uint64]*commandInfo

	labels          *labels.Allocator
	defaultIdentity spawn.Identity
	log             *slog.Logger

	queue chan dispatch.Message
}

// New creates a normal executor.
func New(log *slog.Logger, alloc *labels.Allocator, defaultIdentity spawn.Identity) *Executor {
	return &Executor{
		commands:        make(map[uint64]*commandInfo),
		labels:          alloc,
		defaultIdentity: defaultIdentity,
		log:             log,
		queue:           make(chan dispatch.Message, 64),
	}
}

// Name implements dispatch.Executor.
func (e *Executor) Name() string { return "normal" }

// Claims implements dispatch.Executor.
func (e *Executor) Claims(kind wire.RequestKind) bool { return kind == wire.KindNormal }

// Handle implements dispatch.Executor.
func (e *Executor) Handle(msg dispatch.Message) { e.queue <- msg }

// Run processes queued messages until stop is closed.
func (e *Executor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-e.queue:
			e.handle(msg)
		}
	}
}

func (e *Executor) handle(msg dispatch.Message) {
	req := msg.Request
	switch req.NormalOp {
	case wire.NormalStart:
		e.start(req, msg.Writer)
	case wire.NormalClose:
		e.close(req, msg.Writer)
	default:
		msg.Writer.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
	}
}

func (e *Executor) start(req *wire.Request, w dispatch.Writer) {
	ourEnd, passedEnd, err := os.Pipe()
	if err != nil {
		e.log.Warn("normalexec: pipe failed", "error", err)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	// Direction selects which end goes to the caller and which the
	// child writes/reads: DirRead means the caller reads the child's
	// stdout, DirWrite means the caller writes to the child's stdin.
	readEnd, writeEnd := ourEnd, passedEnd
	childEnd, parentEnd := writeEnd, readEnd
	if req.Direction == wire.DirWrite {
		childEnd, parentEnd = readEnd, writeEnd
	}

	cmd, err := spawn.New(req.Params, e.defaultIdentity, req.Name, req.Command, e.log)
	if err != nil {
		readEnd.Close()
		writeEnd.Close()
		e.log.Warn("normalexec: build command failed", "error", err)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	if req.Direction == wire.DirWrite {
		cmd.Stdin = childEnd
	} else {
		cmd.Stdout = childEnd
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		parentEnd.Close()
		e.log.Warn("normalexec: fork/exec failed", "command", req.Command, "error", err)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	childEnd.Close() // daemon's reference to the child's end is no longer needed

	label := e.labels.New()
	info := &commandInfo{
		label:         label,
		cmd:           cmd,
		ourEnd:        parentEnd,
		direction:     req.Direction,
		writer:        w,
		commandString: req.Command,
	}
	e.mu.Lock()
	e.commands[label] = info
	e.mu.Unlock()

	result := wire.LabelResult(req.Sequence, req.Name, wire.StatusOK, label)
	result.Type = wire.ResultFD
	if err := w.SendResultFD(result, parentEnd); err != nil {
		e.log.Warn("normalexec: send result fd failed", "error", err)
	}
}

func (e *Executor) close(req *wire.Request, w dispatch.Writer) {
	e.mu.Lock()
	info, ok := e.commands[req.Label]
	if !ok || info.closed {
		e.mu.Unlock()
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	info.closed = true
	delete(e.commands, req.Label)
	e.mu.Unlock()

	if info.ourEnd != nil {
		info.ourEnd.Close()
	}
	if err := info.cmd.Wait(); err != nil {
		e.log.Debug("normalexec: child exited", "label", req.Label, "error", err)
	}
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}
