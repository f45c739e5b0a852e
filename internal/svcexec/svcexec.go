// Package svcexec implements the service executor (spec.md §4.6): starts
// long-lived services, transitions them through the state machine in
// spec.md §3 (running/paused/finishing-user/finished*/died*), and runs a
// periodic non-blocking reap that fans termination out to every writer
// subscribed to a service's label.
//
// Every field this package mutates is touched only from the single
// goroutine running Run — the message handler and the reap loop share that
// goroutine, so (per spec.md §5) no additional locking is needed between
// them.
package svcexec

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/labels"
	"github.com/execd/execd/internal/spawn"
	"github.com/execd/execd/internal/wire"
)

type serviceState uint8

const (
	stateRunning serviceState = iota
	statePaused
	stateFinishingUser
	stateFinishedUser
	stateFinished
	stateDied
	stateDiedBySignal
	stateDiedUnknown
)

func (s serviceState) terminal() bool { return s >= stateFinishedUser }
func (s serviceState) live() bool     { return s == stateRunning || s == statePaused || s == stateFinishingUser }

// serviceInfo is spec.md §3's ServiceInfo.
type serviceInfo struct {
	label         uint64
	name          string
	cmd           *exec.Cmd
	commandString string
	state         serviceState
	startTime     time.Time
	flags         wire.ServiceFlags
	writers       map[string]dispatch.Writer
}

const reapInterval = time.Second

// Executor is the service executor.
type Executor struct {
	byLabel map[uint64]*serviceInfo
	byName  map[string]*serviceInfo

	labels          *labels.Allocator
	defaultIdentity spawn.Identity
	log             *slog.Logger

	queue chan dispatch.Message
}

// New creates a service executor.
func New(log *slog.Logger, alloc *labels.Allocator, defaultIdentity spawn.Identity) *Executor {
	return &Executor{
		byLabel:         make(map[uint64]*serviceInfo),
		byName:          make(map[string]*serviceInfo),
		labels:          alloc,
		defaultIdentity: defaultIdentity,
		log:             log,
		queue:           make(chan dispatch.Message, 64),
	}
}

// Name implements dispatch.Executor.
func (e *Executor) Name() string { return "service" }

// Claims implements dispatch.Executor.
func (e *Executor) Claims(kind wire.RequestKind) bool { return kind == wire.KindService }

// Handle implements dispatch.Executor.
func (e *Executor) Handle(msg dispatch.Message) { e.queue <- msg }

// Run processes queued messages and reaps terminated services until ctx is
// cancelled, at which point it runs the shutdown sequence (spec.md §5):
// SIGINT every live service, a final reap with grace, then abandon
// whatever is still alive.
func (e *Executor) Run(ctx context.Context, shutdownGrace time.Duration) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(shutdownGrace)
			return
		case msg := <-e.queue:
			e.handle(msg)
			e.reapAll()
		case <-ticker.C:
			e.reapAll()
		}
	}
}

func (e *Executor) handle(msg dispatch.Message) {
	req := msg.Request
	switch req.ServiceOp {
	case wire.ServiceStart:
		e.start(req, msg.Writer)
	case wire.ServiceStop:
		e.stop(req, msg.Writer)
	case wire.ServicePause:
		e.pause(req, msg.Writer)
	case wire.ServiceRestart:
		e.restart(req, msg.Writer)
	case wire.ServiceInfo:
		e.info(req, msg.Writer)
	default:
		msg.Writer.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
	}
}

func (e *Executor) start(req *wire.Request, w dispatch.Writer) {
	if _, exists := e.byName[req.Name]; exists {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusExists})
		return
	}

	cmd, err := spawn.New(req.Params, e.defaultIdentity, req.Name, req.Command, e.log)
	if err != nil {
		e.log.Warn("svcexec: build command failed", "service", req.Name, "error", err)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	if err := cmd.Start(); err != nil {
		e.log.Warn("svcexec: fork/exec failed", "service", req.Name, "error", err)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}

	label := e.labels.New()
	info := &serviceInfo{
		label:         label,
		name:          req.Name,
		cmd:           cmd,
		commandString: req.Command,
		state:         stateRunning,
		startTime:     time.Now(),
		flags:         req.ServiceFlags,
		writers:       map[string]dispatch.Writer{w.Key(): w},
	}
	e.byLabel[label] = info
	e.byName[req.Name] = info

	w.SendResult(wire.LabelResult(req.Sequence, req.Name, wire.StatusOK, label))
}

func (e *Executor) stop(req *wire.Request, w dispatch.Writer) {
	info, ok := e.byLabel[req.Label]
	if !ok {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	if info.state != stateRunning && info.state != statePaused {
		e.log.Info("svcexec: stop on service not running/paused, ignoring", "service", info.name, "state", info.state)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
		return
	}
	info.writers[w.Key()] = w
	if err := info.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.log.Warn("svcexec: SIGTERM failed", "service", info.name, "error", err)
	}
	info.state = stateFinishingUser
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

func (e *Executor) pause(req *wire.Request, w dispatch.Writer) {
	info, ok := e.byLabel[req.Label]
	if !ok {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	if info.state != stateRunning {
		e.log.Info("svcexec: pause on non-running service, ignoring", "service", info.name, "state", info.state)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
		return
	}
	if err := info.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		e.log.Warn("svcexec: SIGSTOP failed", "service", info.name, "error", err)
	}
	info.state = statePaused
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

func (e *Executor) restart(req *wire.Request, w dispatch.Writer) {
	info, ok := e.byLabel[req.Label]
	if !ok {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	if info.state != statePaused {
		e.log.Info("svcexec: restart on non-paused service, ignoring", "service", info.name, "state", info.state)
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
		return
	}
	if err := info.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		e.log.Warn("svcexec: SIGCONT failed", "service", info.name, "error", err)
	}
	info.state = stateRunning
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

func (e *Executor) info(req *wire.Request, w dispatch.Writer) {
	var target *serviceInfo
	if req.InfoKey == wire.ByLabel {
		target = e.byLabel[req.Label]
	} else {
		target = e.byName[req.Name]
	}
	if target == nil || target.flags != req.ServiceFlags {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	target.writers[w.Key()] = w
	w.SendResult(&wire.Result{
		Sequence: req.Sequence,
		Name:     target.name,
		Status:   wire.StatusOK,
		Type:     wire.ResultExtra,
		Extra:    encodeSnapshot(target),
	})
}

func encodeSnapshot(info *serviceInfo) []byte {
	buf := make([]byte, 8+4+1+8)
	binary.LittleEndian.PutUint64(buf[0:8], info.label)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(info.cmd.Process.Pid))
	buf[12] = uint8(info.state)
	binary.LittleEndian.PutUint64(buf[13:21], uint64(info.startTime.Unix()))
	return buf
}

// reapAll waits (non-blocking) on every live service's pid and fans out a
// termination Response for anything that has exited.
func (e *Executor) reapAll() {
	for label, info := range e.byLabel {
		if !info.state.live() {
			continue
		}
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(info.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
		if err != nil {
			e.log.Warn("svcexec: wait4 failed", "service", info.name, "error", err)
			continue
		}
		if pid == 0 {
			continue
		}
		e.reap(label, info, ws)
	}
}

func (e *Executor) reap(label uint64, info *serviceInfo, ws syscall.WaitStatus) {
	var status wire.ResponseStatus
	var extra []byte

	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		if code == 0 {
			info.state = stateFinished
		} else {
			info.state = stateDied
		}
		status = wire.RespExit
		extra = encodeInt32(int32(code))
	case ws.Signaled():
		sig := ws.Signal()
		if sig == syscall.SIGTERM && info.state == stateFinishingUser {
			info.state = stateFinishedUser
			status = wire.RespUser
		} else {
			info.state = stateDiedBySignal
			status = wire.RespSignal
			extra = encodeInt32(int32(sig))
		}
	default:
		info.state = stateDiedUnknown
		status = wire.RespUnknown
		extra = encodeInt32(int32(ws))
	}

	resp := &wire.Response{Label: label, Name: info.name, Kind: wire.RespKindService, Status: status, Extra: extra}
	for _, w := range info.writers {
		if err := w.SendResponse(resp); err != nil {
			e.log.Warn("svcexec: forward termination response failed", "service", info.name, "error", err)
		}
	}
	delete(e.byLabel, label)
	delete(e.byName, info.name)
}

func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// shutdown implements spec.md §5's shutdown sequence for this executor:
// SIGINT every live service, reap with a grace period, then abandon and
// synthesize a signal response for whatever is still alive.
func (e *Executor) shutdown(grace time.Duration) {
	for _, info := range e.byLabel {
		if !info.state.live() {
			continue
		}
		if err := info.cmd.Process.Signal(syscall.SIGINT); err != nil {
			e.log.Warn("svcexec: SIGINT during shutdown failed", "service", info.name, "error", err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		e.reapAll()
		if !e.anyLive() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}

	for label, info := range e.byLabel {
		if !info.state.live() {
			continue
		}
		e.log.Warn("svcexec: abandoning service at shutdown", "service", info.name)
		resp := &wire.Response{Label: label, Name: info.name, Kind: wire.RespKindService, Status: wire.RespSignal}
		for _, w := range info.writers {
			w.SendResponse(resp)
		}
		delete(e.byLabel, label)
		delete(e.byName, info.name)
	}
}

func (e *Executor) anyLive() bool {
	for _, info := range e.byLabel {
		if info.state.live() {
			return true
		}
	}
	return false
}
