//go:build linux

package uring

import (
	"errors"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Common errors.
var (
	ErrRingClosed   = errors.New("uring: ring closed")
	ErrSQFull       = errors.New("uring: submission queue full")
	ErrNotSupported = errors.New("uring: operation not supported on this kernel")
)

// Ring is one io_uring instance: the ring fd plus the mmap'd
// submission and completion queues. A ring is owned by exactly one
// thread; none of its methods are safe for concurrent use. Accepted
// connections may share a parent ring but must never close it.
type Ring struct {
	fd       int
	params   Params
	features uint32

	sqRing   []byte
	sqesMmap []byte
	cqRing   []byte

	sqEntries uint32
	sqMask    uint32
	sqHead    *uint32
	sqTail    *uint32
	sqFlags   *uint32
	sqArray   []uint32
	sqes      []SQE

	cqEntries uint32
	cqMask    uint32
	cqHead    *uint32
	cqTail    *uint32

	cqes []CQE

	sqeTail uint32 // local tail, published on submit

	closed atomic.Bool
}

// Option mutates setup parameters before io_uring_setup.
type Option func(*Params)

// WithSQPoll enables the kernel submission-polling thread with the
// given idle timeout in milliseconds.
func WithSQPoll(idleMillis uint32) Option {
	return func(p *Params) {
		p.Flags |= SetupSQPoll
		p.SQThreadIdle = idleMillis
	}
}

// WithSQPollCPU pins the SQPOLL thread to a CPU. Implies SQ_AFF.
func WithSQPollCPU(cpu uint32) Option {
	return func(p *Params) {
		p.Flags |= SetupSQAff
		p.SQThreadCPU = cpu
	}
}

// WithCoopTaskrun requests cooperative task running.
func WithCoopTaskrun() Option {
	return func(p *Params) {
		p.Flags |= SetupCoopTaskrun
	}
}

// WithSingleIssuer promises that one task submits to this ring.
func WithSingleIssuer() Option {
	return func(p *Params) {
		p.Flags |= SetupSingleIssuer
	}
}

// WithCQSize sets an explicit completion queue size.
func WithCQSize(n uint32) Option {
	return func(p *Params) {
		p.Flags |= SetupCQSize
		p.CQEntries = n
	}
}

// New creates an io_uring with the given SQ depth. The kernel rounds
// entries up to a power of two.
func New(entries uint32, opts ...Option) (*Ring, error) {
	if entries == 0 {
		return nil, syscall.EINVAL
	}
	var params Params
	for _, opt := range opts {
		opt(&params)
	}

	fd, err := setup(entries, &params)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		fd:       fd,
		params:   params,
		features: params.Features,
	}
	if err := r.mapRings(); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings() error {
	p := &r.params

	sqRingSize := int(p.SQOff.Array + p.SQEntries*4)
	cqRingSize := int(p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{})))

	singleMmap := p.Features&FeatSingleMmap != 0
	if singleMmap && cqRingSize > sqRingSize {
		sqRingSize = cqRingSize
	}

	var err error
	r.sqRing, err = mmapRing(r.fd, offSQRing, sqRingSize)
	if err != nil {
		return err
	}
	if singleMmap {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = mmapRing(r.fd, offCQRing, cqRingSize)
		if err != nil {
			_ = munmapRing(r.sqRing)
			return err
		}
	}

	sqeSize := int(p.SQEntries * uint32(unsafe.Sizeof(SQE{})))
	r.sqesMmap, err = mmapRing(r.fd, offSQEs, sqeSize)
	if err != nil {
		if !singleMmap {
			_ = munmapRing(r.cqRing)
		}
		_ = munmapRing(r.sqRing)
		return err
	}

	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingEntries]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Flags]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Array])), r.sqEntries)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqesMmap[0])), p.SQEntries)

	// The SQ array stays an identity map: SQEs are handed out in
	// ring order, so array[i] == i forever.
	for i := uint32(0); i < r.sqEntries; i++ {
		r.sqArray[i] = i
	}

	r.cqEntries = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingEntries]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])), r.cqEntries)

	r.sqeTail = atomic.LoadUint32(r.sqTail)
	return nil
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int {
	return r.fd
}

// Features returns the feature bits reported at setup.
func (r *Ring) Features() uint32 {
	return r.features
}

// HasFeature checks one feature bit.
func (r *Ring) HasFeature(feat uint32) bool {
	return r.features&feat != 0
}

// SetupFlags returns the flags the ring was created with (after any
// degradation by the caller).
func (r *Ring) SetupFlags() uint32 {
	return r.params.Flags
}

// SQEntries returns the submission queue depth.
func (r *Ring) SQEntries() uint32 {
	return r.sqEntries
}

// SQPending returns the number of prepared, unsubmitted SQEs.
func (r *Ring) SQPending() uint32 {
	return r.sqeTail - atomic.LoadUint32(r.sqTail)
}

// SQSpace returns how many more SQEs can be prepared before a
// submit is forced.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	return r.sqEntries - (r.sqeTail - head)
}

// CQReady returns the number of completions waiting to be reaped.
func (r *Ring) CQReady() uint32 {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	return tail - head
}

// GetSQE returns the next free submission entry, zeroed, or nil when
// the ring is full. The entry stays invisible to the kernel until
// Submit publishes the tail.
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.sqEntries {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	r.sqeTail++
	sqe.Reset()
	return sqe
}

func (r *Ring) needsWakeup() bool {
	if r.params.Flags&SetupSQPoll == 0 {
		return false
	}
	return atomic.LoadUint32(r.sqFlags)&SQNeedWakeup != 0
}

// flushSQ publishes prepared SQEs to the shared tail with release
// semantics and returns how many were published.
func (r *Ring) flushSQ() uint32 {
	tail := atomic.LoadUint32(r.sqTail)
	pending := r.sqeTail - tail
	if pending > 0 {
		atomic.StoreUint32(r.sqTail, r.sqeTail)
	}
	return pending
}

// Submit pushes all prepared SQEs to the kernel and returns the
// number accepted. Under SQPOLL no syscall is made unless the poller
// needs a wakeup.
func (r *Ring) Submit() (int, error) {
	return r.submit(0)
}

// SubmitAndWait submits pending SQEs and blocks until at least
// waitNr completions are available.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.submit(waitNr)
}

func (r *Ring) submit(waitNr uint32) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	pending := r.flushSQ()

	var flags uint32
	if waitNr > 0 {
		flags |= EnterGetevents
	}
	if r.needsWakeup() {
		flags |= EnterSQWakeup
	}
	if r.params.Flags&SetupSQPoll != 0 && flags == 0 {
		return int(pending), nil
	}
	return enter(r.fd, pending, waitNr, flags)
}

// SubmitAndWaitTimeout submits pending SQEs and waits up to ts for
// one completion. Requires FeatExtArg; older kernels fall back to a
// plain submit and the caller's poll loop.
func (r *Ring) SubmitAndWaitTimeout(waitNr uint32, ts *Timespec) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	if !r.HasFeature(FeatExtArg) {
		return r.submit(0)
	}
	pending := r.flushSQ()

	flags := EnterGetevents
	if r.needsWakeup() {
		flags |= EnterSQWakeup
	}
	arg := GetEventsArg{Ts: uint64(uintptrOf(ts))}
	n, err := enterArg(r.fd, pending, waitNr, flags, &arg)
	if err == syscall.ETIME {
		return n, nil
	}
	return n, err
}

// PeekBatch copies up to len(dst) ready completions into dst without
// consuming them; pair with Advance.
func (r *Ring) PeekBatch(dst []CQE) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	ready := tail - head
	if ready == 0 {
		return 0
	}
	n := uint32(len(dst))
	if ready < n {
		n = ready
	}
	for i := uint32(0); i < n; i++ {
		dst[i] = r.cqes[(head+i)&r.cqMask]
	}
	return int(n)
}

// Advance consumes n completions.
func (r *Ring) Advance(n int) {
	if n <= 0 {
		return
	}
	atomic.AddUint32(r.cqHead, uint32(n))
}

// RegisterBufferIovecs registers the iovecs as fixed buffers; SQEs
// may then reference them by index.
func (r *Ring) RegisterBufferIovecs(iovs []unix.Iovec) error {
	if len(iovs) == 0 {
		return syscall.EINVAL
	}
	return register(r.fd, RegisterBuffers, unsafe.Pointer(&iovs[0]), uint32(len(iovs)))
}

// UnregisterBuffers drops all fixed-buffer registrations.
func (r *Ring) UnregisterBuffers() error {
	return register(r.fd, UnregisterBuffers, nil, 0)
}

// RegisterFileFds registers fds for fixed-file operations.
func (r *Ring) RegisterFileFds(fds []int32) error {
	if len(fds) == 0 {
		return syscall.EINVAL
	}
	return register(r.fd, RegisterFiles, unsafe.Pointer(&fds[0]), uint32(len(fds)))
}

// Probe asks the kernel which opcodes this ring supports.
func (r *Ring) Probe() (*Probe, error) {
	var p Probe
	if err := register(r.fd, RegisterProbe, unsafe.Pointer(&p), uint32(len(p.Ops))); err != nil {
		return nil, err
	}
	return &p, nil
}

// Close tears the ring down. Idempotent. Child views created by the
// transport never call this on a shared parent.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.params.Features&FeatSingleMmap == 0 {
		_ = munmapRing(r.cqRing)
	}
	_ = munmapRing(r.sqRing)
	_ = munmapRing(r.sqesMmap)
	return syscall.Close(r.fd)
}
