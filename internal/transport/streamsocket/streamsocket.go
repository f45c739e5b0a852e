// Package streamsocket implements execd's default transport: an
// abstract-namespace Unix stream socket carrying the length-prefixed wire
// records defined in internal/wire, with SCM_RIGHTS for file-descriptor
// passing and SO_PEERCRED for caller-credential stamping (spec.md §6).
package streamsocket

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/execd/execd/internal/dispatch"
	"github.com/execd/execd/internal/wire"
)

// DefaultName is the abstract socket name spec.md §6 specifies. A leading
// "@" tells Go's net package to bind it in the abstract namespace rather
// than creating a filesystem path.
const DefaultName = "@sace_socket"

// Poster is the subset of *dispatch.Dispatcher this transport needs.
type Poster interface {
	Post(dispatch.Message)
}

// Listener accepts client connections on one abstract-namespace socket and
// turns each into a reader goroutine plus a per-connection Writer.
type Listener struct {
	ln  *net.UnixListener
	log *slog.Logger
}

// Listen binds name (conventionally starting with "@" for the abstract
// namespace).
func Listen(name string, log *slog.Logger) (*Listener, error) {
	addr, err := net.ResolveUnixAddr("unix", name)
	if err != nil {
		return nil, fmt.Errorf("streamsocket: resolve %q: %w", name, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("streamsocket: listen %q: %w", name, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Close stops accepting new connections. In-flight connections are left to
// their own readers, which exit when the peer disconnects.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, posting every decoded request to dispatcher.
func (l *Listener) Serve(ctx context.Context, dispatcher Poster) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("streamsocket: accept failed", "error", err)
			return
		}
		go serveConn(conn, dispatcher, l.log)
	}
}

func serveConn(conn *net.UnixConn, dispatcher Poster, log *slog.Logger) {
	defer conn.Close()

	cred, err := peerCredentials(conn)
	if err != nil {
		log.Warn("streamsocket: read peer credentials failed", "error", err)
	}

	w := &connWriter{conn: conn, log: log, pid: cred.pid, uid: cred.uid}
	r := bufio.NewReader(conn)
	for {
		_, body, err := wire.ReadRecord(r)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(body)
		if err != nil {
			log.Warn("streamsocket: decode request failed", "error", err, "peer_pid", cred.pid)
			if req != nil {
				w.SendResult(&wire.Result{Sequence: req.Sequence, Name: req.Name, Status: wire.StatusFail})
			}
			continue
		}
		dispatcher.Post(dispatch.Message{Request: req, Writer: w})
	}
}

type peerCred struct {
	pid int32
	uid uint32
}

func peerCredentials(conn *net.UnixConn) (peerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return peerCred{}, err
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return peerCred{}, err
	}
	if sockErr != nil {
		return peerCred{}, sockErr
	}
	return peerCred{pid: ucred.Pid, uid: ucred.Uid}, nil
}

// connWriter is the dispatch.Writer for one client connection. Writes are
// serialised by mu — the socket is a single ordered reply channel
// (spec.md §5's "writes are serialised by the underlying socket").
type connWriter struct {
	mu   sync.Mutex
	conn *net.UnixConn
	log  *slog.Logger
	pid  int32
	uid  uint32
}

// Key implements dispatch.Writer — equal (transport, client-id) means the
// same fd here, so the connection pointer itself is a fine identity.
func (w *connWriter) Key() string {
	return fmt.Sprintf("streamsocket:%p", w.conn)
}

func (w *connWriter) SendResult(res *wire.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.WriteRecord(w.conn, wire.FrameResult, res.Encode())
}

func (w *connWriter) SendResponse(resp *wire.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.WriteRecord(w.conn, wire.FrameResponse, resp.Encode())
}

func (w *connWriter) SendResultFD(res *wire.Result, fd *os.File) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// fd is owned by normalexec's CommandInfo and closed when the client
	// closes the command — not here; the
	// kernel dups it into the peer's fd table, our copy stays open.
	body := res.Encode()
	datagram := append(wire.RecordHeader(wire.FrameResult, len(body)), body...)
	oob := unix.UnixRights(int(fd.Fd()))

	raw, err := w.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("streamsocket: syscall conn: %w", err)
	}
	var sendErr error
	err = raw.Control(func(sockFD uintptr) {
		sendErr = unix.Sendmsg(int(sockFD), datagram, oob, nil, 0)
	})
	if err != nil {
		return err
	}
	return sendErr
}
