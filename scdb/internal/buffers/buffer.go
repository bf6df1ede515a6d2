// Package buffers implements the bounded, page-aligned cache that sits
// between the store façade and the primary file on disk.
package buffers

import (
	"github.com/kvscdb/scdb/scdb/errors"
)

// Buffer is a cached, contiguous window of file bytes starting at
// LeftOffset. Its length never exceeds Capacity, which is the pool's page
// size (normally the OS VM page size).
type Buffer struct {
	LeftOffset uint64
	Data       []byte
	Capacity   uint64
}

// NewBuffer wraps already-read page bytes into a cache buffer.
func NewBuffer(leftOffset uint64, data []byte, capacity uint64) *Buffer {
	return &Buffer{LeftOffset: leftOffset, Data: data, Capacity: capacity}
}

// Contains reports whether the byte range [addr, addr+size) lies wholly
// within the buffer's currently-cached data.
func (b *Buffer) Contains(addr uint64, size uint64) bool {
	if addr < b.LeftOffset {
		return false
	}
	end := addr - b.LeftOffset + size
	return end <= uint64(len(b.Data))
}

// ReadAt returns a copy of the bytes at [addr, addr+size) from the buffer.
func (b *Buffer) ReadAt(addr uint64, size uint64) ([]byte, error) {
	if !b.Contains(addr, size) {
		return nil, errors.NewErrOutOfBounds("read out of buffer bounds")
	}
	start := addr - b.LeftOffset
	out := make([]byte, size)
	copy(out, b.Data[start:start+size])
	return out, nil
}

// Replace overwrites bytes in place, if the target range is covered.
// It is a no-op (not an error) when the range falls outside the buffer,
// since the caller has already written the authoritative copy to disk.
func (b *Buffer) Replace(addr uint64, data []byte) {
	if !b.Contains(addr, uint64(len(data))) {
		return
	}
	start := addr - b.LeftOffset
	copy(b.Data[start:], data)
}

// Append extends the buffer's cached tail with data, provided fileSize
// (the offset the data is being written at) is exactly the buffer's current
// tail and the result still fits within Capacity. It reports whether the
// data was absorbed; the caller must still write the authoritative bytes to
// disk regardless of the return value.
func (b *Buffer) Append(data []byte, fileSize uint64) bool {
	if fileSize != b.LeftOffset+uint64(len(b.Data)) {
		return false
	}
	if uint64(len(b.Data)+len(data)) > b.Capacity {
		return false
	}
	b.Data = append(b.Data, data...)
	return true
}

// Eq reports whether two buffers cover the same region with the same
// bytes.
func (b *Buffer) Eq(other *Buffer) bool {
	if other == nil {
		return false
	}
	if b.LeftOffset != other.LeftOffset || len(b.Data) != len(other.Data) {
		return false
	}
	for i := range b.Data {
		if b.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}
