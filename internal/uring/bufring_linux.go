//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BufRing is a kernel-managed provided-buffer ring
// (IORING_REGISTER_PBUF_RING): the kernel picks a free buffer for
// each multishot receive and reports its id in the CQE flags; the
// consumer recycles ids by advancing the tail.
//
// Single producer: only the ring-owning thread adds and advances.
type BufRing struct {
	ring    *Ring
	bgid    uint16
	entries uint32
	mask    uint32
	bufLen  uint32

	mem  []byte // descriptor ring, entries * 16 bytes, page aligned
	slab []byte // buffer memory, entries * bufLen

	tail uint16 // local mirror of the shared tail
}

// SetupBufRing registers a provided-buffer ring of nentries buffers
// of bufLen bytes under group bgid. nentries must be a power of two.
// All buffers start owned by the kernel.
func (r *Ring) SetupBufRing(nentries uint32, bgid uint16, bufLen uint32) (*BufRing, error) {
	if nentries == 0 || nentries&(nentries-1) != 0 {
		return nil, syscall.EINVAL
	}

	memSize := int(nentries) * int(unsafe.Sizeof(bufRingEntry{}))
	mem, err := unix.Mmap(-1, 0, memSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	reg := bufRingSetup{
		RingAddr:    uint64(uintptr(unsafe.Pointer(&mem[0]))),
		RingEntries: nentries,
		BGid:        bgid,
	}
	if err := register(r.fd, RegisterPbufRing, unsafe.Pointer(&reg), 1); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	slab, err := unix.Mmap(-1, 0, int(nentries)*int(bufLen),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		_ = r.unregisterBufRing(bgid)
		_ = unix.Munmap(mem)
		return nil, err
	}

	br := &BufRing{
		ring:    r,
		bgid:    bgid,
		entries: nentries,
		mask:    nentries - 1,
		bufLen:  bufLen,
		mem:     mem,
		slab:    slab,
	}
	for i := uint32(0); i < nentries; i++ {
		br.add(uint16(i), int(i))
	}
	br.Advance(int(nentries))
	return br, nil
}

// GroupID returns the buffer group id SQEs select against.
func (br *BufRing) GroupID() uint16 {
	return br.bgid
}

// BufferLen returns the per-buffer capacity.
func (br *BufRing) BufferLen() uint32 {
	return br.bufLen
}

func (br *BufRing) entryAt(i uint32) *bufRingEntry {
	off := uintptr(i) * unsafe.Sizeof(bufRingEntry{})
	return (*bufRingEntry)(unsafe.Pointer(&br.mem[off]))
}

// add stages buffer bid at tail+offset. The entry's Resv field is
// never written: entry 0's Resv doubles as the shared tail.
func (br *BufRing) add(bid uint16, offset int) {
	e := br.entryAt((uint32(br.tail) + uint32(offset)) & br.mask)
	e.Addr = uint64(uintptr(unsafe.Pointer(&br.slab[uint32(bid)*br.bufLen])))
	e.Len = br.bufLen
	e.Bid = bid
}

// Advance publishes n staged entries to the kernel. The shared tail
// lives in entry 0's Resv slot; the single-producer discipline plus
// the following enter syscall make the plain store safe.
func (br *BufRing) Advance(n int) {
	br.tail += uint16(n)
	sharedTail := (*uint16)(unsafe.Pointer(&br.mem[14]))
	*sharedTail = br.tail
}

// Buffer returns the first n bytes of the buffer the kernel selected
// for a completion.
func (br *BufRing) Buffer(bid uint16, n int) []byte {
	start := uint32(bid) * br.bufLen
	return br.slab[start : start+uint32(n)]
}

// Recycle hands buffer bid back to the kernel.
func (br *BufRing) Recycle(bid uint16) {
	br.add(bid, 0)
	br.Advance(1)
}

// Close unregisters the group and unmaps the ring and slab.
func (br *BufRing) Close() error {
	err := br.ring.unregisterBufRing(br.bgid)
	_ = unix.Munmap(br.slab)
	_ = unix.Munmap(br.mem)
	return err
}

func (r *Ring) unregisterBufRing(bgid uint16) error {
	reg := bufRingSetup{BGid: bgid}
	return register(r.fd, UnregisterPbufRing, unsafe.Pointer(&reg), 1)
}
