package streamsocket

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPoster struct {
	posts chan dispatch.Message
}

func newRecordingPoster() *recordingPoster {
	return &recordingPoster{posts: make(chan dispatch.Message, 8)}
}

func (p *recordingPoster) Post(msg dispatch.Message) { p.posts <- msg }

func testSocketName(t *testing.T) string {
	t.Helper()
	return "@execd-test-" + t.Name() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func TestServeDecodesRequestAndRepliesResult(t *testing.T) {
	name := testSocketName(t)
	ln, err := Listen(name, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	poster := newRecordingPoster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, poster)

	conn, err := net.Dial("unix", name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &wire.Request{Sequence: 42, Kind: wire.KindNormal, Name: "echo", Command: "echo hi", NormalOp: wire.NormalStart}
	if err := wire.WriteRecord(conn, wire.FrameResult, req.Encode()); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var msg dispatch.Message
	select {
	case msg = <-poster.posts:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never received the posted request")
	}
	if msg.Request.Sequence != 42 || msg.Request.Name != "echo" {
		t.Fatalf("decoded request = %+v, want sequence=42 name=echo", msg.Request)
	}

	result := &wire.Result{Sequence: 42, Name: "echo", Status: wire.StatusOK}
	if err := msg.Writer.SendResult(result); err != nil {
		t.Fatalf("SendResult: %v", err)
	}

	br := bufio.NewReader(conn)
	kind, body, err := wire.ReadRecord(br)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if kind != wire.FrameResult {
		t.Fatalf("reply kind = %v, want FrameResult", kind)
	}
	res, err := wire.DecodeResult(body)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.Sequence != 42 || res.Status != wire.StatusOK {
		t.Fatalf("decoded result = %+v", res)
	}
}

func TestServeRepliesFailForRequestThatFailsParamsValidation(t *testing.T) {
	name := testSocketName(t)
	ln, err := Listen(name, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	poster := newRecordingPoster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, poster)

	conn, err := net.Dial("unix", name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// A property trigger with no value fails Params.Validate (spec.md §9):
	// the request should still get exactly one status=fail result on its
	// own sequence, not a silently dropped connection.
	req := &wire.Request{
		Sequence: 7,
		Kind:     wire.KindEvent,
		Name:     "e1",
		EventOp:  wire.EventAdd,
		Params:   &wire.Params{Triggers: []wire.Trigger{{Kind: wire.TriggerProperty, PropertyKey: "p"}}},
	}
	if err := wire.WriteRecord(conn, wire.FrameResult, req.Encode()); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(conn)
	kind, body, err := wire.ReadRecord(br)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if kind != wire.FrameResult {
		t.Fatalf("reply kind = %v, want FrameResult", kind)
	}
	res, err := wire.DecodeResult(body)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.Sequence != 7 || res.Status != wire.StatusFail {
		t.Fatalf("decoded result = %+v, want sequence=7 status=fail", res)
	}

	select {
	case msg := <-poster.posts:
		t.Fatalf("dispatcher should never see a request that failed validation, got %+v", msg.Request)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerCloseStopsServe(t *testing.T) {
	name := testSocketName(t)
	ln, err := Listen(name, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	poster := newRecordingPoster()
	done := make(chan struct{})
	go func() {
		ln.Serve(context.Background(), poster)
		close(done)
	}()

	if err := ln.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestWriterKeyIsStableForSameConnection(t *testing.T) {
	name := testSocketName(t)
	ln, err := Listen(name, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	poster := newRecordingPoster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, poster)

	conn, err := net.Dial("unix", name)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := &wire.Request{Sequence: 1, Kind: wire.KindNormal, NormalOp: wire.NormalClose}
	wire.WriteRecord(conn, wire.FrameResult, req.Encode())
	wire.WriteRecord(conn, wire.FrameResult, req.Encode())

	var keys []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-poster.posts:
			keys = append(keys, msg.Writer.Key())
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not receive both requests")
		}
	}
	if keys[0] != keys[1] {
		t.Fatalf("writer keys for the same connection differ: %q vs %q", keys[0], keys[1])
	}
}
