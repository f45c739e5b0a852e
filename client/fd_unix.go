package client

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// recordReader reads length-prefixed wire records off a *net.UnixConn,
// collecting any SCM_RIGHTS file descriptors that arrive as ancillary data
// alongside a record's bytes. It replaces a plain bufio.Reader because
// execd's normal-start Result (spec.md §4.5) passes its fd attached to the
// very bytes of that Result record — a plain net.Conn.Read throws
// ancillary data away, so every read here goes through recvmsg instead.
type recordReader struct {
	conn *net.UnixConn
	buf  []byte // unconsumed bytes already read from the kernel
	fds  []int  // fds received so far, in arrival order
}

func newRecordReader(conn *net.UnixConn) *recordReader {
	return &recordReader{conn: conn}
}

// fill reads at least one more chunk from the socket via recvmsg,
// appending to buf and collecting any passed fds.
func (r *recordReader) fill() error {
	data := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*8)) // room for a handful of fds

	raw, err := r.conn.SyscallConn()
	if err != nil {
		return err
	}
	var n, oobn int
	var recvErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), data, oob, 0)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if recvErr != nil {
		return recvErr
	}
	if n == 0 {
		return fmt.Errorf("client: connection closed")
	}
	r.buf = append(r.buf, data[:n]...)

	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, m := range msgs {
				fds, err := unix.ParseUnixRights(&m)
				if err == nil {
					r.fds = append(r.fds, fds...)
				}
			}
		}
	}
	return nil
}

// need ensures at least n bytes are buffered, reading more as necessary.
func (r *recordReader) need(n int) error {
	for len(r.buf) < n {
		if err := r.fill(); err != nil {
			return err
		}
	}
	return nil
}

// take consumes and returns the next n buffered bytes.
func (r *recordReader) take(n int) []byte {
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

// takeFD pops the oldest fd received so far, if any, returning -1 if none
// has arrived yet (it is the caller's job to know one is expected).
func (r *recordReader) takeFD() int {
	if len(r.fds) == 0 {
		return -1
	}
	fd := r.fds[0]
	r.fds = r.fds[1:]
	return fd
}

// readRecord reads one full length-prefixed record (header + body),
// mirroring wire.ReadRecord but fd-aware.
func (r *recordReader) readRecord() (kind byte, body []byte, err error) {
	if err := r.need(5); err != nil {
		return 0, nil, err
	}
	hdr := r.take(5)
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n == 0 {
		return 0, nil, fmt.Errorf("client: record declares zero length")
	}
	kind = hdr[4]
	if err := r.need(int(n) - 1); err != nil {
		return 0, nil, err
	}
	body = r.take(int(n) - 1)
	return kind, body, nil
}
