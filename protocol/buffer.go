package protocol

import (
	"encoding/binary"
	"math"
)

// Buffer is a byte buffer tuned for connection I/O: bytes are appended at the
// tail and consumed from the head without moving the remaining data on every
// read. The unconsumed bytes are shifted back to the front only when the dead
// region in front of them grows past half the allocation, or when an append
// needs that region to fit.
type Buffer struct {
	buf   []byte
	start int
	end   int
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Bytes returns the unconsumed region without copying. The slice is only
// valid until the next Append or Consume.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.start:b.end]
}

// Peek returns the first n unconsumed bytes without copying, or nil when
// fewer than n bytes are buffered.
func (b *Buffer) Peek(n int) []byte {
	if b.Len() < n {
		return nil
	}
	return b.buf[b.start : b.start+n]
}

// Consume discards the first n unconsumed bytes.
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.start += n
	if b.start == b.end {
		b.start = 0
		b.end = 0
	} else if b.start > len(b.buf)/2 {
		b.compact()
	}
}

// Reset discards all buffered bytes but keeps the allocation.
func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
}

// Append copies data to the tail of the buffer.
func (b *Buffer) Append(data []byte) {
	b.makeRoom(len(data))
	copy(b.buf[b.end:], data)
	b.end += len(data)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.makeRoom(1)
	b.buf[b.end] = c
	b.end++
}

// AppendU32 appends a little-endian uint32.
func (b *Buffer) AppendU32(v uint32) {
	b.makeRoom(4)
	binary.LittleEndian.PutUint32(b.buf[b.end:], v)
	b.end += 4
}

// AppendI64 appends a little-endian int64.
func (b *Buffer) AppendI64(v int64) {
	b.makeRoom(8)
	binary.LittleEndian.PutUint64(b.buf[b.end:], uint64(v))
	b.end += 8
}

// AppendF64 appends the little-endian IEEE-754 bit pattern of v.
func (b *Buffer) AppendF64(v float64) {
	b.makeRoom(8)
	binary.LittleEndian.PutUint64(b.buf[b.end:], math.Float64bits(v))
	b.end += 8
}

// PatchU32 overwrites 4 bytes at the given logical offset (relative to the
// current head) with a little-endian uint32. The offset must have been
// obtained while the head was at its current position, e.g. from Len.
func (b *Buffer) PatchU32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[b.start+pos:], v)
}

// At returns the byte at the given logical offset.
func (b *Buffer) At(pos int) byte {
	return b.buf[b.start+pos]
}

// truncate drops tail bytes so the logical length becomes n.
func (b *Buffer) truncate(n int) {
	b.end = b.start + n
}

func (b *Buffer) makeRoom(n int) {
	if len(b.buf)-b.end >= n {
		return
	}
	// Reclaim the dead region first; grow only if that is not enough.
	if len(b.buf)-b.Len() >= n {
		b.compact()
		return
	}
	newCap := len(b.buf) * 2
	if newCap < 64 {
		newCap = 64
	}
	for newCap-b.Len() < n {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf[b.start:b.end])
	b.end -= b.start
	b.start = 0
	b.buf = grown
}

func (b *Buffer) compact() {
	copy(b.buf, b.buf[b.start:b.end])
	b.end -= b.start
	b.start = 0
}
