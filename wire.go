package devicebridge

import (
	"encoding/binary"
	"fmt"
)

// Reader is a borrowed-byte cursor over a read-only buffer. It implements
// the length-prefixed field codec used to decode negotiation-channel
// arguments: each variable-length field is a 4-byte big-endian length
// followed by that many bytes.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data without copying it. Callers must not mutate data
// while the Reader is in use.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ErrShortRead is returned when a Reader runs out of bytes mid-field.
var ErrShortRead = fmt.Errorf("devicebridge/wire: short read")

// ReadUint32 consumes a 4-byte big-endian unsigned integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if len(r.data)-r.pos < 4 {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

// ReadBytes consumes a length-prefixed byte vector: a 4-byte big-endian
// length followed by that many bytes. The returned slice aliases the
// Reader's underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if len(r.data)-r.pos < int(n) {
		return nil, ErrShortRead
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// Remaining returns whatever bytes have not yet been consumed.
func (r *Reader) Remaining() []byte {
	return r.data[r.pos:]
}

// Writer is an owned, growable byte buffer with the same length-prefixed
// field codec as Reader, used to build negotiation arguments.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteUint32 appends a 4-byte big-endian unsigned integer.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteBytes appends a length-prefixed byte vector.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteRaw appends b verbatim, with no length prefix. Used for the
// non-negotiated argument tail, which is opaque to the codec.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}
