package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the buffer.
	ErrShortBuffer = errors.New("frame: buffer too short")
	// ErrSectionLength is returned when a length-prefixed section declares a
	// length smaller than its own prefix.
	ErrSectionLength = errors.New("frame: invalid section length")
)

// Cursor reads little-endian fields sequentially from a byte slice. The first
// out-of-range read records ErrShortBuffer; later reads return zero values, so
// callers check Err once after a group of reads.
type Cursor struct {
	buf []byte
	pos int
	err error
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Pos() int { return c.pos }

func (c *Cursor) Len() int { return len(c.buf) }

func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.buf) {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, c.pos, len(c.buf)-c.pos)
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *Cursor) Uint8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *Cursor) Uint16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (c *Cursor) Uint32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *Cursor) Uint64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// GUID reads a 16-byte GUID in its Windows binary layout: the first three
// groups are little-endian, the last eight bytes are stored as-is.
func (c *Cursor) GUID() uuid.UUID {
	b := c.take(16)
	if b == nil {
		return uuid.Nil
	}
	return guidFromBytes(b)
}

// Bytes returns the next n bytes. The slice aliases the cursor's buffer.
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

func (c *Cursor) Skip(n int) {
	c.take(n)
}

// Seek moves to an absolute offset. Seeking backwards is allowed.
func (c *Cursor) Seek(pos int) {
	if c.err != nil {
		return
	}
	if pos < 0 || pos > len(c.buf) {
		c.err = fmt.Errorf("%w: seek to %d, have %d", ErrShortBuffer, pos, len(c.buf))
		return
	}
	c.pos = pos
}

// SkipPrefixed consumes a section made of a uint32 length followed by
// length-4 bytes when inclusive is true, or by length bytes otherwise.
func (c *Cursor) SkipPrefixed(inclusive bool) {
	n := int(c.Uint32())
	if c.err != nil {
		return
	}
	if inclusive {
		if n < 4 {
			c.err = fmt.Errorf("%w: %d", ErrSectionLength, n)
			return
		}
		n -= 4
	}
	c.Skip(n)
}

func guidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

func guidToBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}
