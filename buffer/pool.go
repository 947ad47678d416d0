//go:build linux

package buffer

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/errs"
)

// Pool is the lock-free registered-buffer pool. Free buffer indices
// live in a bounded MPSC ring: any thread may release, the transport
// thread acquires. Capacity must be a power of two so ring positions
// wrap with a bitmask.
//
// Ownership is refcounted: Acquire takes the count 0->1, Retain
// k->k+1, Release k->k-1; the release at 1 returns the buffer to the
// ring. Double release is a defect and fails loudly.
type Pool struct {
	buffers []*Buffer
	arena   *Arena
	bufSize int

	slots []poolSlot
	mask  uint64
	head  atomic.Uint64 // consumer position
	tail  atomic.Uint64 // producer position

	inUse  atomic.Int64
	closed atomic.Bool
}

// poolSlot is one cell of the free-index ring. seq follows the
// bounded-queue discipline: seq == pos means writable, seq == pos+1
// means readable.
type poolSlot struct {
	seq atomic.Uint64
	idx uint32
}

// NewPool allocates count buffers of bufSize bytes (rounded up to a
// 4KiB multiple) in one contiguous arena. count must be a power of
// two.
func NewPool(count, bufSize int) (*Pool, error) {
	if count <= 0 || count&(count-1) != 0 {
		return nil, errs.New("POOL_INIT", errs.Protocol,
			fmt.Sprintf("pool capacity must be a power of two, got %d", count))
	}
	if bufSize <= 0 {
		return nil, errs.New("POOL_INIT", errs.Protocol, "buffer size must be positive")
	}
	bufSize = AlignUp(bufSize, pageSize)

	arena, err := NewArena(count * bufSize)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		buffers: make([]*Buffer, count),
		arena:   arena,
		bufSize: bufSize,
		slots:   make([]poolSlot, count),
		mask:    uint64(count - 1),
	}
	for i := 0; i < count; i++ {
		p.buffers[i] = newBuffer(arena, i, bufSize)
		p.slots[i].seq.Store(uint64(i))
	}
	// Seed the ring with every index free.
	for i := 0; i < count; i++ {
		p.push(uint32(i))
	}
	trackerAlloc(count, bufSize)
	return p, nil
}

// push enqueues a free index. The ring can never be full while the
// double-release guard holds, so a full ring is itself a defect.
func (p *Pool) push(idx uint32) {
	for {
		pos := p.tail.Load()
		slot := &p.slots[pos&p.mask]
		seq := slot.seq.Load()
		switch d := int64(seq) - int64(pos); {
		case d == 0:
			if p.tail.CompareAndSwap(pos, pos+1) {
				slot.idx = idx
				slot.seq.Store(pos + 1)
				return
			}
		case d < 0:
			panic("buffer: free ring full (release of an unowned buffer)")
		}
	}
}

// pop dequeues a free index; ok is false when the ring is empty.
func (p *Pool) pop() (uint32, bool) {
	for {
		pos := p.head.Load()
		slot := &p.slots[pos&p.mask]
		seq := slot.seq.Load()
		switch d := int64(seq) - int64(pos+1); {
		case d == 0:
			if p.head.CompareAndSwap(pos, pos+1) {
				idx := slot.idx
				slot.seq.Store(pos + p.mask + 1)
				return idx, true
			}
		case d < 0:
			return 0, false
		}
	}
}

// Acquire returns a free buffer with cursors reset, or nil when the
// pool is exhausted. Acquiring from a closed pool is fatal.
func (p *Pool) Acquire() (*Buffer, error) {
	if p.closed.Load() {
		return nil, errs.New("ACQUIRE", errs.Fatal, "acquire from closed pool")
	}
	idx, ok := p.pop()
	if !ok {
		return nil, nil
	}
	b := p.buffers[idx]
	if !b.refs.CompareAndSwap(0, 1) {
		panic(fmt.Sprintf("buffer: acquired buffer %d has live references", idx))
	}
	b.resetForAcquire()
	p.inUse.Add(1)
	trackerAcquire(p.bufSize)
	return b, nil
}

// Release drops one reference; the release at refcount 1 clears the
// cursors and returns the buffer to the free ring. Releasing an
// already-free buffer or a buffer of another pool is a defect.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.idx < 0 || b.idx >= len(p.buffers) || p.buffers[b.idx] != b {
		panic("buffer: release of buffer not owned by this pool")
	}
	refs := b.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("buffer: double release of buffer %d", b.idx))
	}
	if refs > 0 {
		return
	}
	b.resetForRelease()
	p.inUse.Add(-1)
	trackerRelease(p.bufSize)
	p.push(uint32(b.idx))
}

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int {
	return len(p.buffers)
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	return len(p.buffers) - int(p.inUse.Load())
}

// InUse returns the number of acquired buffers.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// BufferSize returns the per-buffer capacity in bytes.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Buffers returns the immutable buffer array for one-shot kernel
// registration.
func (p *Pool) Buffers() []*Buffer {
	out := make([]*Buffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// Iovecs builds one iovec per buffer covering the whole arena, in
// registration-id order, for IORING_REGISTER_BUFFERS.
func (p *Pool) Iovecs() []unix.Iovec {
	iovs := make([]unix.Iovec, len(p.buffers))
	for i, b := range p.buffers {
		iovs[i].Base = &b.data[0]
		iovs[i].SetLen(cap(b.data))
	}
	return iovs
}

// Arena exposes the backing arena so the shutdown coordinator can
// sequence its release after all in-flight operations drain.
func (p *Pool) Arena() *Arena {
	return p.arena
}

// LeakCheck returns the indices of buffers still in use. Intended
// for shutdown diagnostics and tests.
func (p *Pool) LeakCheck() []int {
	var leaked []int
	for _, b := range p.buffers {
		if b.InUse() {
			leaked = append(leaked, b.idx)
		}
	}
	return leaked
}

// Close marks the pool closed and releases the arena. In-flight
// buffers become invalid; callers sequence this via the shutdown
// coordinator.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	trackerFree(len(p.buffers), p.bufSize)
	return p.arena.Close()
}
