//go:build linux

package buffer

import (
	"sync/atomic"

	"github.com/arpelle/uringnet/errs"
)

// BlockingPool is the legacy bounded-queue pool variant. Acquire
// blocks until a buffer is released; Release is idempotent, so a
// release of an already-free buffer is a no-op. Ownership is linear:
// exactly one owner per acquired buffer, no refcounting.
//
// Both variants expose identical semantics modulo the ownership
// strategy; the lock-free Pool is the hot-path default.
type BlockingPool struct {
	buffers []*Buffer
	arena   *Arena
	bufSize int
	free    chan *Buffer
	inUse   atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
}

// NewBlockingPool allocates count buffers of bufSize bytes (rounded
// up to a 4KiB multiple) in one contiguous arena. Unlike the
// lock-free variant, count has no power-of-two constraint.
func NewBlockingPool(count, bufSize int) (*BlockingPool, error) {
	if count <= 0 {
		return nil, errs.New("POOL_INIT", errs.Protocol, "pool capacity must be positive")
	}
	if bufSize <= 0 {
		return nil, errs.New("POOL_INIT", errs.Protocol, "buffer size must be positive")
	}
	bufSize = AlignUp(bufSize, pageSize)

	arena, err := NewArena(count * bufSize)
	if err != nil {
		return nil, err
	}

	p := &BlockingPool{
		buffers: make([]*Buffer, count),
		arena:   arena,
		bufSize: bufSize,
		free:    make(chan *Buffer, count),
		done:    make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		b := newBuffer(arena, i, bufSize)
		p.buffers[i] = b
		p.free <- b
	}
	trackerAlloc(count, bufSize)
	return p, nil
}

// Acquire blocks until a buffer is available or the pool closes.
func (p *BlockingPool) Acquire() (*Buffer, error) {
	if p.closed.Load() {
		return nil, errs.New("ACQUIRE", errs.Fatal, "acquire from closed pool")
	}
	select {
	case b := <-p.free:
		p.take(b)
		return b, nil
	case <-p.done:
		return nil, errs.New("ACQUIRE", errs.Fatal, "acquire from closed pool")
	}
}

// TryAcquire returns a free buffer or nil without blocking.
func (p *BlockingPool) TryAcquire() (*Buffer, error) {
	if p.closed.Load() {
		return nil, errs.New("ACQUIRE", errs.Fatal, "acquire from closed pool")
	}
	select {
	case b := <-p.free:
		p.take(b)
		return b, nil
	default:
		return nil, nil
	}
}

func (p *BlockingPool) take(b *Buffer) {
	b.resetForAcquire()
	p.inUse.Add(1)
	trackerAcquire(p.bufSize)
}

// Release clears cursors and returns the buffer. Idempotent: if the
// buffer is already free the call is a no-op. Releasing a buffer of
// another pool is a programming defect.
func (p *BlockingPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.idx < 0 || b.idx >= len(p.buffers) || p.buffers[b.idx] != b {
		panic("buffer: release of buffer not owned by this pool")
	}
	if !b.inUse.CompareAndSwap(true, false) {
		return // already free
	}
	b.resetForRelease()
	p.inUse.Add(-1)
	trackerRelease(p.bufSize)
	if p.closed.Load() {
		return
	}
	p.free <- b
}

// Capacity returns the total number of buffers.
func (p *BlockingPool) Capacity() int {
	return len(p.buffers)
}

// Available returns the number of free buffers.
func (p *BlockingPool) Available() int {
	return len(p.buffers) - int(p.inUse.Load())
}

// InUse returns the number of acquired buffers.
func (p *BlockingPool) InUse() int {
	return int(p.inUse.Load())
}

// BufferSize returns the per-buffer capacity in bytes.
func (p *BlockingPool) BufferSize() int {
	return p.bufSize
}

// Buffers returns the immutable buffer array for one-shot kernel
// registration.
func (p *BlockingPool) Buffers() []*Buffer {
	out := make([]*Buffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// Arena exposes the backing arena for shutdown sequencing.
func (p *BlockingPool) Arena() *Arena {
	return p.arena
}

// Close unblocks waiters and releases the arena.
func (p *BlockingPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)
	trackerFree(len(p.buffers), p.bufSize)
	return p.arena.Close()
}
