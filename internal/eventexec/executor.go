// Package eventexec implements the event executor (spec.md §4.7): a queue
// + worker thread that owns user-defined, trigger-armed commands, plus a
// second goroutine (the trigger loop) that polls triggers and materialises
// service starts through the dispatcher on a synthetic writer.
package eventexec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/property"
	"github.com/execd/execd/internal/wire"
)

// pollInterval is the trigger loop's cadence. spec.md §4.7 requires "≥300ms".
const pollInterval = 300 * time.Millisecond

// Poster is the subset of *dispatch.Dispatcher the event executor needs —
// narrowed to keep this package testable without a real dispatcher.
type Poster interface {
	Post(dispatch.Message)
}

// pendingItem is what arrives on the internal "pipe" described in spec.md
// §4.7 — modelled as a channel rather than an actual fd pair, since nothing
// downstream of this package needs it to be a real file descriptor.
type pendingItem struct {
	result   *wire.Result
	response *wire.Response
}

// Executor is the event executor. It implements dispatch.Writer itself so
// it can act as the synthetic subscriber for service-start/info
// requests it issues on behalf of armed events.
type Executor struct {
	mu    sync.Mutex
	defs  map[string]*EventDef
	state map[string]*runState

	// bootFired is the daemon-lifetime "has this name's boot trigger
	// fired yet" registry (SPEC_FULL.md A4). It survives handleAdd and
	// handleDelete recreating/removing defs and state for the same name,
	// so re-adding a deleted boot-triggered event never re-fires it
	// within the same process. Touched only under mu, same as defs/state.
	bootFired map[string]*bootTrigger

	props      *property.Store
	dispatcher Poster
	log        *slog.Logger

	writablePath, fallbackPath string

	pending chan pendingItem
	queue   chan dispatch.Message
}

// New loads the event config (writable path, falling back to the system
// default) and returns an Executor ready to Run.
func New(log *slog.Logger, props *property.Store, dispatcher Poster, writablePath, fallbackPath string) (*Executor, error) {
	defs, err := loadConfig(writablePath, fallbackPath)
	if err != nil {
		return nil, fmt.Errorf("eventexec: load config: %w", err)
	}
	e := &Executor{
		defs:         make(map[string]*EventDef),
		state:        make(map[string]*runState),
		bootFired:    make(map[string]*bootTrigger),
		props:        props,
		dispatcher:   dispatcher,
		log:          log,
		writablePath: writablePath,
		fallbackPath: fallbackPath,
		pending:      make(chan pendingItem, 64),
		queue:        make(chan dispatch.Message, 64),
	}
	for _, d := range defs {
		d.triggers = buildTriggers(d.Params.Triggers, d.Name, e.bootFired)
		e.defs[d.Name] = d
		e.state[d.Name] = newRunState()
	}
	return e, nil
}

// Name implements dispatch.Executor.
func (e *Executor) Name() string { return "event" }

// Claims implements dispatch.Executor.
func (e *Executor) Claims(kind wire.RequestKind) bool { return kind == wire.KindEvent }

// Handle implements dispatch.Executor. It must not block: it hands the
// message to the worker goroutine and returns.
func (e *Executor) Handle(msg dispatch.Message) { e.queue <- msg }

// Key implements dispatch.Writer — the event executor is a single logical
// subscriber for every request it issues on its own behalf.
func (e *Executor) Key() string { return "eventexec-internal" }

// SendResult implements dispatch.Writer: results for requests the event
// executor issued on its own behalf land on the pending channel for the
// trigger loop to reconcile.
func (e *Executor) SendResult(res *wire.Result) error {
	e.pending <- pendingItem{result: res}
	return nil
}

// SendResponse implements dispatch.Writer: asynchronous termination
// notifications for events the executor started land here too.
func (e *Executor) SendResponse(resp *wire.Response) error {
	e.pending <- pendingItem{response: resp}
	return nil
}

// SendResultFD implements dispatch.Writer. The event executor only ever
// issues service requests on its own behalf, which never produce an
// fd-carrying Result, so this is unreachable in practice.
func (e *Executor) SendResultFD(res *wire.Result, fd *os.File) error {
	fd.Close()
	return fmt.Errorf("eventexec: unexpected fd-carrying result for %q", res.Name)
}

// Run drives both the request worker and the trigger loop until ctx is
// cancelled. It is meant to be called once, on its own goroutine(s), for
// the daemon's lifetime.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.runWorker(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runTriggerLoop(ctx)
	}()
	wg.Wait()
}

func (e *Executor) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			e.handle(msg)
		}
	}
}

func (e *Executor) handle(msg dispatch.Message) {
	req := msg.Request
	switch req.EventOp {
	case wire.EventAdd:
		e.handleAdd(req, msg.Writer)
	case wire.EventDelete:
		e.handleDelete(req, msg.Writer)
	case wire.EventInfo:
		e.handleInfo(req, msg.Writer)
	default:
		sendFail(msg.Writer, req)
	}
}

func (e *Executor) handleAdd(req *wire.Request, w dispatch.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.defs[req.Name]; exists {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusExists})
		return
	}
	params := req.Params
	if params == nil {
		params = &wire.Params{Version: wire.ParamsVersion}
	}
	triggers := buildTriggers(params.Triggers, req.Name, e.bootFired)
	if len(triggers) == 0 {
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}

	def := &EventDef{
		Name:          req.Name,
		CommandString: req.Command,
		Params:        params,
		RestartOnFail: req.EventFlags&wire.EventFlagRestartOnFail != 0,
		triggers:      triggers,
	}
	e.defs[def.Name] = def
	st := newRunState()
	e.state[def.Name] = st

	if anyFires(triggers, e.props) {
		e.startLocked(def, st)
	}

	if err := saveConfig(e.writablePath, e.sortedDefsLocked()); err != nil {
		e.log.Warn("eventexec: write config failed", "error", err)
	}
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

func (e *Executor) handleDelete(req *wire.Request, w dispatch.Writer) {
	e.mu.Lock()
	if _, exists := e.defs[req.Name]; !exists {
		e.mu.Unlock()
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	delete(e.defs, req.Name)
	st := e.state[req.Name]

	shouldStop := req.DeleteStopFlag && st != nil && st.running
	var label uint64
	if shouldStop {
		label = st.label
	}
	if err := saveConfig(e.writablePath, e.sortedDefsLocked()); err != nil {
		e.log.Warn("eventexec: write config failed", "error", err)
	}
	e.mu.Unlock()

	if shouldStop {
		e.dispatcher.Post(dispatch.Message{
			Request: &wire.Request{Kind: wire.KindService, ServiceOp: wire.ServiceStop, Label: label},
			Writer:  w,
		})
	}
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

func (e *Executor) handleInfo(req *wire.Request, w dispatch.Writer) {
	e.mu.Lock()
	st, exists := e.state[req.Name]
	if !exists || !st.running {
		e.mu.Unlock()
		w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
		return
	}
	st.addWriter(w)
	label := st.label
	e.mu.Unlock()

	e.dispatcher.Post(dispatch.Message{
		Request: &wire.Request{Kind: wire.KindService, ServiceOp: wire.ServiceInfo, Label: label, Name: req.Name},
		Writer:  e,
	})
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusOK})
}

// startLocked enqueues a synthetic service-start for def. Caller must hold e.mu.
func (e *Executor) startLocked(def *EventDef, st *runState) {
	st.starting = true
	e.dispatcher.Post(dispatch.Message{
		Request: &wire.Request{
			Kind:         wire.KindService,
			ServiceOp:    wire.ServiceStart,
			Name:         def.Name,
			Command:      def.CommandString,
			Params:       def.Params,
			ServiceFlags: wire.FlagFromEvent,
		},
		Writer: e,
	})
}

func (e *Executor) sortedDefsLocked() []*EventDef {
	out := make([]*EventDef, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	return out
}

func (e *Executor) runTriggerLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick runs one trigger-loop iteration: evaluate triggers, retry failed
// events, then drain the internal result/response channel.
func (e *Executor) tick() {
	e.mu.Lock()
	type armed struct {
		def *EventDef
		st  *runState
	}
	var toStart []armed
	var toRestart []armed
	for name, def := range e.defs {
		st := e.state[name]
		if st.starting || st.running {
			continue
		}
		if anyFires(def.triggers, e.props) {
			toStart = append(toStart, armed{def, st})
			continue
		}
		if st.failed {
			st.failed = false
			if def.RestartOnFail {
				toRestart = append(toRestart, armed{def, st})
			}
		}
	}
	for _, a := range toStart {
		e.startLocked(a.def, a.st)
	}
	for _, a := range toRestart {
		e.startLocked(a.def, a.st)
	}
	e.mu.Unlock()

	e.drainPending()
}

func (e *Executor) drainPending() {
	for {
		select {
		case item := <-e.pending:
			e.reconcile(item)
		default:
			return
		}
	}
}

func (e *Executor) reconcile(item pendingItem) {
	switch {
	case item.result != nil:
		e.reconcileResult(item.result)
	case item.response != nil:
		e.reconcileResponse(item.response)
	}
}

func (e *Executor) reconcileResult(res *wire.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[res.Name]
	if !ok {
		return
	}
	st.starting = false
	if res.Status != wire.StatusOK {
		st.failed = true
		e.log.Warn("eventexec: service-start failed", "event", res.Name, "status", res.Status.String())
		return
	}
	label, err := res.Label()
	if err != nil {
		e.log.Warn("eventexec: start result missing label", "event", res.Name, "error", err)
		st.failed = true
		return
	}
	st.running = true
	st.label = label
}

func (e *Executor) reconcileResponse(resp *wire.Response) {
	e.mu.Lock()
	st, ok := e.state[resp.Name]
	if !ok {
		e.mu.Unlock()
		return
	}
	def := e.defs[resp.Name]
	signalled := resp.Status == wire.RespSignal
	restart := signalled && def != nil && def.RestartOnFail

	st.running = false
	st.label = 0
	if restart {
		st.failed = true
		e.mu.Unlock()
		return
	}

	writers := st.writers
	st.writers = make(map[string]dispatch.Writer)
	e.mu.Unlock()

	for _, w := range writers {
		if err := w.SendResponse(resp); err != nil {
			e.log.Warn("eventexec: forward response failed", "event", resp.Name, "error", err)
		}
	}
}

func sendFail(w dispatch.Writer, req *wire.Request) {
	w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
}
