package util

// Cursor is a bounds-checked big-endian reader over a byte buffer.
// All multi-byte advances are big-endian, matching the SQLite file format.
// Callers are expected to check CanAdvance before advancing; advancing past
// the end is a programming error and panics.
type Cursor struct {
	buff   []byte
	cursor int
}

// NewCursor wraps buff without copying it.
func NewCursor(buff []byte) *Cursor {
	return &Cursor{buff: buff}
}

// Seek moves the cursor to an absolute position.
func (c *Cursor) Seek(position int) {
	c.cursor = position
}

// Position reports the current absolute position.
func (c *Cursor) Position() int {
	return c.cursor
}

// CanAdvance reports whether n more bytes are available.
func (c *Cursor) CanAdvance(n int) bool {
	return n >= 0 && c.cursor >= 0 && c.cursor+n <= len(c.buff)
}

func (c *Cursor) mustAdvance(n int) []byte {
	if !c.CanAdvance(n) {
		panic("util: cursor advanced out of bounds")
	}
	out := c.buff[c.cursor : c.cursor+n]
	c.cursor += n
	return out
}

// Advance1ByteInt reads an unsigned 8-bit value.
func (c *Cursor) Advance1ByteInt() int {
	return int(c.mustAdvance(1)[0])
}

// Advance2BytesInt reads a big-endian unsigned 16-bit value.
func (c *Cursor) Advance2BytesInt() int {
	b := c.mustAdvance(2)
	return int(b[0])<<8 | int(b[1])
}

// Advance4BytesInt reads a big-endian unsigned 32-bit value.
func (c *Cursor) Advance4BytesInt() uint32 {
	b := c.mustAdvance(4)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Advance8BytesInt reads a big-endian unsigned 64-bit value.
func (c *Cursor) Advance8BytesInt() uint64 {
	b := c.mustAdvance(8)
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

// AdvanceBytes reads n raw bytes as a view into the underlying buffer.
func (c *Cursor) AdvanceBytes(n int) []byte {
	return c.mustAdvance(n)
}
