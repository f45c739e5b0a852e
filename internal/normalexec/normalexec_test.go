package normalexec

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/labels"
	"github.com/execd/execd/internal/spawn"
	"github.com/execd/execd/internal/wire"
)

// TestMain lets this test binary double as its own spawn helper; see
// internal/spawn/spawn_test.go for the grounding of this pattern.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == spawn.HelperArg {
		if err := spawn.RunHelper(); err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturingWriter struct {
	mu      sync.Mutex
	results []*wire.Result
	fd      *os.File
	done    chan struct{}
}

func newCapturingWriter() *capturingWriter {
	return &capturingWriter{done: make(chan struct{}, 8)}
}

func (w *capturingWriter) Key() string { return "test" }

func (w *capturingWriter) SendResult(r *wire.Result) error {
	w.mu.Lock()
	w.results = append(w.results, r)
	w.mu.Unlock()
	w.done <- struct{}{}
	return nil
}

func (w *capturingWriter) SendResponse(*wire.Response) error { return nil }

func (w *capturingWriter) SendResultFD(r *wire.Result, fd *os.File) error {
	w.mu.Lock()
	w.results = append(w.results, r)
	w.fd = fd
	w.mu.Unlock()
	w.done <- struct{}{}
	return nil
}

func (w *capturingWriter) last() *wire.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.results) == 0 {
		return nil
	}
	return w.results[len(w.results)-1]
}

func waitForResult(t *testing.T, w *capturingWriter) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestStartAndCloseEchoCommand(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root: identity pre-exec steps need CAP_SETUID/CAP_SETGID")
	}

	id := spawn.Identity{UID: os.Getuid(), GID: os.Getgid()}
	e := New(testLogger(), &labels.Allocator{}, id)

	w := newCapturingWriter()
	e.handle(dispatch.Message{
		Request: &wire.Request{
			Kind:      wire.KindNormal,
			Sequence:  1,
			Name:      "echo-test",
			Command:   "echo hello",
			NormalOp:  wire.NormalStart,
			Direction: wire.DirRead,
		},
		Writer: w,
	})
	waitForResult(t, w)

	res := w.last()
	if res.Status != wire.StatusOK {
		t.Fatalf("start status = %v, want ok", res.Status)
	}
	if res.Type != wire.ResultFD {
		t.Fatalf("start result type = %v, want ResultFD", res.Type)
	}
	label, err := res.Label()
	if err != nil {
		t.Fatalf("Label: %v", err)
	}

	if w.fd == nil {
		t.Fatal("no fd was passed back")
	}
	line, err := bufio.NewReader(w.fd).ReadString('\n')
	if err != nil {
		t.Fatalf("read from passed fd: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("read = %q, want %q", line, "hello\n")
	}

	closeWriter := newCapturingWriter()
	e.handle(dispatch.Message{
		Request: &wire.Request{Kind: wire.KindNormal, Sequence: 2, Label: label, NormalOp: wire.NormalClose},
		Writer:  closeWriter,
	})
	waitForResult(t, closeWriter)
	if got := closeWriter.last().Status; got != wire.StatusOK {
		t.Fatalf("close status = %v, want ok", got)
	}
}

func TestCloseUnknownLabelFails(t *testing.T) {
	e := New(testLogger(), &labels.Allocator{}, spawn.Identity{UID: os.Getuid(), GID: os.Getgid()})
	w := newCapturingWriter()
	e.handle(dispatch.Message{
		Request: &wire.Request{Kind: wire.KindNormal, Sequence: 1, Label: 999, NormalOp: wire.NormalClose},
		Writer:  w,
	})
	waitForResult(t, w)
	if got := w.last().Status; got != wire.StatusFail {
		t.Fatalf("close unknown label status = %v, want fail", got)
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root: identity pre-exec steps need CAP_SETUID/CAP_SETGID")
	}
	id := spawn.Identity{UID: os.Getuid(), GID: os.Getgid()}
	e := New(testLogger(), &labels.Allocator{}, id)

	w := newCapturingWriter()
	e.handle(dispatch.Message{
		Request: &wire.Request{Kind: wire.KindNormal, Sequence: 1, Name: "sleeper", Command: "sleep 0.1", NormalOp: wire.NormalStart, Direction: wire.DirRead},
		Writer:  w,
	})
	waitForResult(t, w)
	label, err := w.last().Label()
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if w.fd != nil {
		w.fd.Close()
	}

	first := newCapturingWriter()
	e.handle(dispatch.Message{Request: &wire.Request{Kind: wire.KindNormal, Sequence: 2, Label: label, NormalOp: wire.NormalClose}, Writer: first})
	waitForResult(t, first)
	if got := first.last().Status; got != wire.StatusOK {
		t.Fatalf("first close status = %v, want ok", got)
	}

	second := newCapturingWriter()
	e.handle(dispatch.Message{Request: &wire.Request{Kind: wire.KindNormal, Sequence: 3, Label: label, NormalOp: wire.NormalClose}, Writer: second})
	waitForResult(t, second)
	if got := second.last().Status; got != wire.StatusFail {
		t.Fatalf("second close status = %v, want fail (not a crash)", got)
	}
}
