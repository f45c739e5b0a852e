package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxRecordLen bounds a single record so a corrupt or hostile length prefix
// can never make the reader allocate unbounded memory.
const maxRecordLen = 1 << 20

// encoder builds a record body in memory; WriteRecord (or RecordHeader)
// prefixes it with the record's length and frame kind once the body size
// is known.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.bytes([]byte(v))
}

// decoder reads fields sequentially out of a record body, recording the
// first error encountered so call sites don't need to check every field.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("wire: short record: need %d bytes, have %d", n, len(d.buf)-d.off))
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) boolean() bool { return d.u8() != 0 }

func (d *decoder) bytesField() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *decoder) strField() string {
	b := d.bytesField()
	if b == nil {
		return ""
	}
	return string(b)
}

// WriteRecord writes length-prefixed kind+body to w: a 4-byte little-endian
// length covering kind+body, the 1-byte frame kind, then body.
func WriteRecord(w io.Writer, kind FrameKind, body []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)+1))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// RecordHeader returns the 5-byte length+kind header that would precede
// body under WriteRecord, for transports (e.g. SCM_RIGHTS sendmsg) that
// must build the full datagram themselves instead of issuing two writes.
func RecordHeader(kind FrameKind, bodyLen int) []byte {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(bodyLen+1))
	hdr[4] = byte(kind)
	return hdr[:]
}

// ReadRecord reads one length-prefixed record from r, returning its frame
// kind and body. A declared length exceeding maxRecordLen, or exceeding the
// bytes the peer actually sends before EOF/error, is rejected with an
// error. The reader is then not positioned at a record boundary, so the
// caller should treat any error from ReadRecord as fatal for the connection.
func ReadRecord(r *bufio.Reader) (FrameKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n == 0 {
		return 0, nil, fmt.Errorf("wire: record declares zero length")
	}
	if n > maxRecordLen {
		return 0, nil, fmt.Errorf("wire: record declares length %d exceeding max %d", n, maxRecordLen)
	}
	kind := FrameKind(hdr[4])
	body := make([]byte, n-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: short record body: %w", err)
	}
	return kind, body, nil
}
