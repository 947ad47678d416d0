//go:build linux

// Package buffer owns all wire-side memory: one contiguous mmap'd
// slab carved into fixed-size, page-aligned registered buffers,
// handed out through single-owner or refcounted pools.
package buffer

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
)

const (
	pageSize = 4096
	hugeSize = 2 << 20
)

// AlignUp rounds n up to the next multiple of align (a power of two).
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Arena is one contiguous anonymous mapping. All buffers of a pool
// are views into a single arena so the whole region can be
// registered with the kernel in one call. Base alignment is 2MiB
// when the arena is at least that large, 4KiB otherwise.
type Arena struct {
	mapping []byte // full mapping as returned by mmap
	base    []byte // aligned region of Size() bytes
	addr    uintptr
	size    int
	closed  atomic.Bool
}

// NewArena maps size bytes of anonymous memory with the required
// alignment. The mapping is over-allocated by one alignment unit and
// the base pointer slid forward; the kernel page tables make the
// waste marginal.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, errs.New("ARENA_MAP", errs.Protocol, "arena size must be positive")
	}
	align := pageSize
	if size >= hugeSize {
		align = hugeSize
	}
	size = AlignUp(size, pageSize)

	mapping, err := unix.Mmap(-1, 0, size+align,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errs.Wrap("ARENA_MAP", err)
	}

	raw := uintptr(unsafe.Pointer(&mapping[0]))
	off := 0
	if rem := int(raw) & (align - 1); rem != 0 {
		off = align - rem
	}

	a := &Arena{
		mapping: mapping,
		base:    mapping[off : off+size : off+size],
		addr:    raw + uintptr(off),
		size:    size,
	}
	// Safety net only: primary cleanup is an explicit Close
	// sequenced by the shutdown coordinator.
	runtime.SetFinalizer(a, func(leaked *Arena) {
		if !leaked.closed.Load() {
			logging.Default().Warn("arena finalized without Close", "size", leaked.size)
			_ = leaked.unmap()
		}
	})
	return a, nil
}

// Slice returns the [off, off+n) view of the arena.
func (a *Arena) Slice(off, n int) []byte {
	return a.base[off : off+n : off+n]
}

// Addr returns the aligned base address.
func (a *Arena) Addr() uintptr {
	return a.addr
}

// Size returns the usable arena size in bytes.
func (a *Arena) Size() int {
	return a.size
}

// Closed reports whether the arena has been released.
func (a *Arena) Closed() bool {
	return a.closed.Load()
}

// Close unmaps the arena. Every view carved from it becomes invalid;
// the caller must guarantee no in-flight kernel submission still
// references the region.
func (a *Arena) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(a, nil)
	return a.unmap()
}

func (a *Arena) unmap() error {
	a.closed.Store(true)
	if a.mapping == nil {
		return nil
	}
	err := unix.Munmap(a.mapping)
	a.mapping = nil
	a.base = nil
	if err != nil {
		return errs.Wrap("ARENA_UNMAP", err)
	}
	return nil
}
