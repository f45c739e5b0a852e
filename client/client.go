// Package client is the thin ownership wrapper over an execd connection
// (spec.md §1 "out of scope": "The client library that marshals requests
// and demultiplexes replies — a thin ownership wrapper over an opaque
// handle"), grounded on the teacher's client/rig.go: an options-configured
// constructor, a background goroutine doing the real work, and Close
// tearing everything down exactly once.
//
// Unlike rig's HTTP+SSE transport, execd speaks the length-prefixed binary
// protocol in internal/wire over a Unix stream socket. Client owns that
// connection, stamps every outgoing Request with a client-chosen sequence
// number, and demultiplexes Results back to their caller while fanning
// Responses out to a single channel the caller drains at its own pace.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execd/execd/internal/wire"
)

// DefaultTimeout is the client-side request wait spec.md §5 specifies: the
// server itself never enforces a timeout, only the client library does.
const DefaultTimeout = 3 * time.Second

// resultEnvelope pairs a decoded Result with the file descriptor that
// travelled alongside it as ancillary data, when Type == wire.ResultFD.
type resultEnvelope struct {
	res *wire.Result
	fd  *os.File
}

// Client owns one connection to an execd daemon. It is safe for concurrent
// use by multiple goroutines.
type Client struct {
	conn    net.Conn
	unix    *net.UnixConn // non-nil when conn supports fd passing
	reader  *recordReader // non-nil alongside unix
	bufConn *bufio.Reader // used instead of reader when conn is not a *net.UnixConn

	seqHigh uint32 // this process's pid, stamped into the high bits of every sequence
	seqLow  atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *resultEnvelope
	closed  bool

	responses chan *wire.Response

	writeMu sync.Mutex
}

// Dial connects to an execd daemon listening on the abstract-namespace (or
// filesystem) Unix socket named addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %q: %w", addr, err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		conn:      conn,
		seqHigh:   uint32(os.Getpid()),
		pending:   make(map[uint32]chan *resultEnvelope),
		responses: make(chan *wire.Response, 64),
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		c.unix = uc
		c.reader = newRecordReader(uc)
	} else {
		c.bufConn = bufio.NewReader(conn)
	}
	go c.readLoop()
	return c
}

// Responses returns the channel on which asynchronous termination
// notifications arrive, for every label this client has subscribed to via
// a start or an info call. Closed when the connection is torn down.
func (c *Client) Responses() <-chan *wire.Response { return c.responses }

// Close shuts down the connection. Any request awaiting a reply receives
// an error instead.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	return c.conn.Close()
}

// nextSequence stamps a new request sequence: process-id high, counter
// low, per spec.md §3. Sequence 0 is reserved, so the counter starts at 1.
func (c *Client) nextSequence() uint32 {
	return c.seqHigh<<16 | c.seqLow.Add(1)&0xffff
}

// do sends req, waits for ctx (or DefaultTimeout if ctx has no deadline)
// to elapse, and returns the matching Result plus, for an fd-carrying
// Result, the passed file descriptor.
func (c *Client) do(ctx context.Context, req *wire.Request) (*wire.Result, *os.File, error) {
	req.Sequence = c.nextSequence()
	ch := make(chan *resultEnvelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("client: connection closed")
	}
	c.pending[req.Sequence] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.Sequence)
		}
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := wire.WriteRecord(c.conn, wire.FrameResult /* unused for requests */, req.Encode())
	c.writeMu.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("client: send request: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, nil, fmt.Errorf("client: connection closed while awaiting sequence %d", req.Sequence)
		}
		return env.res, env.fd, nil
	case <-ctx.Done():
		return &wire.Result{Sequence: req.Sequence, Status: wire.StatusTimeout}, nil, nil
	}
}

// deliver routes a decoded Result to its pending caller by sequence.
func (c *Client) deliver(env *resultEnvelope) {
	c.mu.Lock()
	ch := c.pending[env.res.Sequence]
	c.mu.Unlock()
	if ch != nil {
		ch <- env
		return
	}
	if env.fd != nil {
		env.fd.Close()
	}
}

// readLoop demultiplexes incoming records: Results are routed to the
// pending caller by sequence, Responses are forwarded to c.responses. Over
// a *net.UnixConn it reads through recordReader so SCM_RIGHTS ancillary
// data travelling with a normal-start Result is not silently dropped.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		close(c.responses)
	}()

	for {
		var kind wire.FrameKind
		var body []byte
		var fd *os.File
		var err error

		if c.reader != nil {
			var rawKind byte
			rawKind, body, err = c.reader.readRecord()
			kind = wire.FrameKind(rawKind)
		} else {
			kind, body, err = wire.ReadRecord(c.bufConn)
		}
		if err != nil {
			return
		}

		switch kind {
		case wire.FrameResult:
			res, derr := wire.DecodeResult(body)
			if derr != nil {
				continue
			}
			if res.Type == wire.ResultFD && c.reader != nil {
				if n := c.reader.takeFD(); n >= 0 {
					fd = os.NewFile(uintptr(n), res.Name)
				}
			}
			c.deliver(&resultEnvelope{res: res, fd: fd})
		case wire.FrameResponse:
			resp, derr := wire.DecodeResponse(body)
			if derr != nil {
				continue
			}
			c.responses <- resp
		}
	}
}
