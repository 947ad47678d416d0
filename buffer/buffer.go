//go:build linux

package buffer

import (
	"sync/atomic"
	"unsafe"
)

// Buffer is a view over one fixed-size, page-aligned region of a
// pool's arena. While acquired it has exactly one owner, unless the
// owner explicitly shares it via Retain/Release on the refcounted
// pool; the two disciplines are never mixed on the same buffer.
type Buffer struct {
	data []byte  // full-capacity view into the arena
	addr uintptr // cached native address
	idx  int     // pool index; doubles as kernel registration id

	length   int // valid-bytes cursor, owner-mutated only
	position int // read/write cursors for the legacy pool variant
	limit    int

	inUse atomic.Bool
	refs  atomic.Int32
}

func newBuffer(a *Arena, idx, size int) *Buffer {
	data := a.Slice(idx*size, size)
	return &Buffer{
		data:  data,
		addr:  uintptr(unsafe.Pointer(&data[0])),
		idx:   idx,
		limit: size,
	}
}

// Bytes returns the full-capacity byte view.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Payload returns the valid bytes, data[:length].
func (b *Buffer) Payload() []byte {
	return b.data[:b.length]
}

// Addr returns the cached native address of the region.
func (b *Buffer) Addr() uintptr {
	return b.addr
}

// Index returns the buffer's slot in the pool.
func (b *Buffer) Index() int {
	return b.idx
}

// RegistrationID is the stable identifier passed to the kernel for
// fixed-buffer operations. For 1:1 registered pools it equals the
// pool index.
func (b *Buffer) RegistrationID() int {
	return b.idx
}

// Capacity returns the buffer size in bytes.
func (b *Buffer) Capacity() int {
	return cap(b.data)
}

// Length returns the valid-bytes cursor.
func (b *Buffer) Length() int {
	return b.length
}

// SetLength sets the valid-bytes cursor. Owner only.
func (b *Buffer) SetLength(n int) {
	if n < 0 || n > cap(b.data) {
		panic("buffer: length out of range")
	}
	b.length = n
}

// Position returns the read cursor (legacy pool variant).
func (b *Buffer) Position() int {
	return b.position
}

// SetPosition sets the read cursor; 0 <= position <= limit.
func (b *Buffer) SetPosition(n int) {
	if n < 0 || n > b.limit {
		panic("buffer: position out of range")
	}
	b.position = n
}

// Limit returns the write cursor bound (legacy pool variant).
func (b *Buffer) Limit() int {
	return b.limit
}

// SetLimit sets the write bound; position <= limit <= capacity.
func (b *Buffer) SetLimit(n int) {
	if n < b.position || n > cap(b.data) {
		panic("buffer: limit out of range")
	}
	b.limit = n
}

// InUse reports whether the buffer is currently acquired.
func (b *Buffer) InUse() bool {
	return b.inUse.Load()
}

// RefCount returns the current reference count (refcounted pools).
func (b *Buffer) RefCount() int {
	return int(b.refs.Load())
}

// Retain adds a reference. Valid only on an acquired buffer from a
// refcounted pool; the matching Release returns the buffer to the
// pool when the count reaches zero.
func (b *Buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain of unacquired buffer")
	}
}

// resetForAcquire prepares cursors for a fresh owner.
func (b *Buffer) resetForAcquire() {
	b.length = 0
	b.position = 0
	b.limit = cap(b.data)
	b.inUse.Store(true)
}

// resetForRelease clears cursors and marks the buffer free.
func (b *Buffer) resetForRelease() {
	b.length = 0
	b.position = 0
	b.limit = cap(b.data)
	b.inUse.Store(false)
}
