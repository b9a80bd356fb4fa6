package protocol

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// encoder appends little endian fields to a growing buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

// fixed writes s into an n byte field, truncating and zero padding.
func (e *encoder) fixed(s string, n int) {
	field := make([]byte, n)
	copy(field, s)
	e.buf = append(e.buf, field...)
}

// decoder reads little endian fields and latches the first short read.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

// bytes returns a copy so decoded values never alias the read buffer.
func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// fixed reads an n byte NUL padded string.
func (d *decoder) fixed(n int) string {
	b := d.take(n)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// finish stamps the header with the final packet length and writes it in
// front of body.
func finish(h Header, body []byte) []byte {
	pkt := make([]byte, HeaderSize+len(body))
	h.Length = uint32(len(pkt))
	h.Put(pkt)
	copy(pkt[HeaderSize:], body)
	return pkt
}
