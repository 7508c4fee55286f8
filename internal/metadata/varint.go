package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
)

// varuint is nb's on-disk variable-width unsigned integer: one width-tag
// byte w ∈ {1,2,4,8} followed by exactly w little-endian bytes holding the
// value (spec.md §4.3). The encoder always picks the narrowest width that
// fits the value.
const (
	width1 = 1
	width2 = 2
	width4 = 4
	width8 = 8
)

func widthFor(v uint64) byte {
	switch {
	case v < 1<<8:
		return width1
	case v < 1<<16:
		return width2
	case v < 1<<32:
		return width4
	default:
		return width8
	}
}

// putVaruint appends the width-tagged encoding of v to buf, returning the
// extended slice.
func putVaruint(buf []byte, v uint64) []byte {
	w := widthFor(v)
	buf = append(buf, w)
	var tmp [8]byte
	switch w {
	case width1:
		tmp[0] = byte(v)
		buf = append(buf, tmp[:1]...)
	case width2:
		binary.LittleEndian.PutUint16(tmp[:2], uint16(v))
		buf = append(buf, tmp[:2]...)
	case width4:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
		buf = append(buf, tmp[:4]...)
	case width8:
		binary.LittleEndian.PutUint64(tmp[:8], v)
		buf = append(buf, tmp[:8]...)
	}
	return buf
}

// cursor is a forward-only reader over an in-memory byte slice, used by
// the decoder to produce spec.md's exact truncation/validation error
// strings instead of generic io.ErrUnexpectedEOF values.
type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) take(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, c.remaining())
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) byte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// varuint decodes one width-tagged unsigned integer.
func (c *cursor) varuint() (uint64, error) {
	w, err := c.byte()
	if err != nil {
		return 0, err
	}
	switch w {
	case width1:
		b, err := c.take(1)
		if err != nil {
			return 0, err
		}
		return uint64(b[0]), nil
	case width2:
		b, err := c.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case width4:
		b, err := c.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case width8:
		b, err := c.take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("invalid varuint width tag %d", w)
	}
}

// int64 decodes a fixed-width signed 64-bit field (timestamps, mtimes —
// these are NOT varuint-encoded: spec.md §4.3 stores them as a plain
// 8-byte little-endian field so that INT64_MIN/INT64_MAX round-trip
// without sign-related width-selection ambiguity).
func (c *cursor) int64() (int64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func putInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func (c *cursor) atEOF() bool { return c.remaining() == 0 }

var errTrailingBytes = func(n int) error {
	return fmt.Errorf("unneeded trailing bytes: %d", n)
}

// readAll is a convenience for tests/tools that want to drain a cursor
// from an io.Reader-backed source instead of a full in-memory buffer.
func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
