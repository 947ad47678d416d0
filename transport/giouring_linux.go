//go:build linux && giouring

package transport

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
)

// GiouringBackend is an alternate ring backend built on the
// liburing port instead of the in-tree ring layer. It covers the
// basic path only: accept, connect, plain send/receive, multishot
// receive over a provided-buffer ring. Build with -tags giouring.
type GiouringBackend struct {
	ring    *giouring.Ring
	parent  *GiouringBackend
	sockFd  int
	logger  *logging.Logger
	stats   Stats
	started bool
	closed  atomic.Bool

	bufRing    *giouring.BufAndRing
	bufData    []byte
	bufEntries uint32
	bufLen     uint32
	bufGroup   uint16

	recvTokens map[uint64]bool // EOF mapping for pending receives

	dialAddr sockaddrStorage
	cqes     [reapBatch]*giouring.CompletionQueueEvent
}

// NewGiouringBackend returns an uninitialized liburing-port backend.
func NewGiouringBackend() *GiouringBackend {
	return &GiouringBackend{
		sockFd:     -1,
		logger:     logging.Default().WithComponent("giouring"),
		recvTokens: make(map[uint64]bool),
	}
}

// Initialize creates the ring.
func (b *GiouringBackend) Initialize(cfg Config) error {
	if b.started {
		return errs.New("INIT", errs.Protocol, "backend already initialized")
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	ring, err := giouring.CreateRing(cfg.QueueDepth)
	if err != nil {
		return errs.Wrap("INIT", err)
	}
	b.ring = ring
	b.started = true
	return nil
}

// RegisterBufferPool is not wired on this variant.
func (b *GiouringBackend) RegisterBufferPool(*buffer.Pool) error {
	return errs.New("REGISTER_BUFFERS", errs.Fatal, "registered buffers not supported by the giouring backend")
}

// Bind creates the listening socket.
func (b *GiouringBackend) Bind(addr string) error {
	if err := b.ensureReady("BIND"); err != nil {
		return err
	}
	sa, family, err := listenerSockaddr(addr)
	if err != nil {
		return err
	}
	fd, serr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if serr != nil {
		return errs.Wrap("BIND", serr)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return errs.Wrap("BIND", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return errs.Wrap("BIND", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return errs.Wrap("BIND", err)
	}
	b.sockFd = fd
	return nil
}

func (b *GiouringBackend) getSQE(op string) (*giouring.SubmissionQueueEntry, error) {
	if err := b.ensureReady(op); err != nil {
		return nil, err
	}
	root := b.root()
	for i := 0; i < sqeRetryLimit; i++ {
		if sqe := root.ring.GetSQE(); sqe != nil {
			return sqe, nil
		}
		root.stats.RingFullRetries.Add(1)
		if _, err := root.ring.SubmitAndWait(0); err != nil {
			return nil, errs.Wrap(op, err)
		}
	}
	return nil, errs.New(op, errs.Resource, "submission queue full")
}

// Accept arms a single-shot accept.
func (b *GiouringBackend) Accept(token uint64) error {
	sqe, err := b.getSQE("ACCEPT")
	if err != nil {
		return err
	}
	sqe.PrepareAccept(b.sockFd, 0, 0, 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// AcceptMultishot arms a multishot accept.
func (b *GiouringBackend) AcceptMultishot(token uint64) error {
	sqe, err := b.getSQE("ACCEPT")
	if err != nil {
		return err
	}
	sqe.PrepareMultishotAccept(b.sockFd, 0, 0, 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// Connect dials; the address bytes live in pre-allocated storage.
func (b *GiouringBackend) Connect(addr string, token uint64) error {
	if err := b.ensureReady("CONNECT"); err != nil {
		return err
	}
	ptr, size, family, err := b.dialAddr.set(addr)
	if err != nil {
		return err
	}
	fd, serr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if serr != nil {
		return errs.Wrap("CONNECT", serr)
	}
	b.sockFd = fd
	sqe, err := b.getSQE("CONNECT")
	if err != nil {
		_ = unix.Close(fd)
		b.sockFd = -1
		return err
	}
	sqe.PrepareConnect(fd, ptr, size)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	b.stats.Connects.Add(1)
	return nil
}

// Send queues a send of view[:n].
func (b *GiouringBackend) Send(view []byte, n int, token uint64) error {
	if n <= 0 || n > len(view) {
		return errs.New("SEND", errs.Protocol, "length out of range")
	}
	sqe, err := b.getSQE("SEND")
	if err != nil {
		return err
	}
	sqe.PrepareSend(b.sockFd, uintptr(unsafe.Pointer(&view[0])), uint32(n), 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return nil
}

// SendRegistered is not wired on this variant.
func (b *GiouringBackend) SendRegistered(*buffer.Buffer, int, uint64) error {
	return errs.New("SEND", errs.Fatal, "registered buffers not supported by the giouring backend")
}

// SendZeroCopy is not wired on this variant.
func (b *GiouringBackend) SendZeroCopy([]byte, int, uint64) error {
	return errs.New("SEND", errs.Fatal, "zero-copy send not supported by the giouring backend")
}

// Receive queues a receive into a pool buffer.
func (b *GiouringBackend) Receive(buf *buffer.Buffer, n int, token uint64) error {
	if n < 0 || n > buf.Capacity() {
		return errs.New("RECV", errs.Protocol, "length exceeds buffer capacity")
	}
	return b.ReceiveInto(buf.Bytes(), n, token)
}

// ReceiveInto queues a receive into a plain view.
func (b *GiouringBackend) ReceiveInto(view []byte, n int, token uint64) error {
	if n <= 0 || n > len(view) {
		return errs.New("RECV", errs.Protocol, "length out of range")
	}
	sqe, err := b.getSQE("RECV")
	if err != nil {
		return err
	}
	sqe.PrepareRecv(b.sockFd, uintptr(unsafe.Pointer(&view[0])), uint32(n), 0)
	sqe.UserData = token
	b.root().recvTokens[token] = false
	b.stats.Submitted.Add(1)
	return nil
}

// SubmitBatch flushes prepared SQEs.
func (b *GiouringBackend) SubmitBatch() (int, error) {
	if err := b.ensureReady("SUBMIT"); err != nil {
		return 0, err
	}
	n, err := b.root().ring.SubmitAndWait(0)
	if err != nil {
		return 0, errs.Wrap("SUBMIT", err)
	}
	b.stats.SubmitCalls.Add(1)
	return int(n), nil
}

// Poll drains all available completions through h.
func (b *GiouringBackend) Poll(h Handler) (int, error) {
	if err := b.ensureReady("POLL"); err != nil {
		return 0, err
	}
	root := b.root()
	total := 0
	for {
		peeked := root.ring.PeekBatchCQE(root.cqes[:])
		if peeked == 0 {
			return total, nil
		}
		for _, cqe := range root.cqes[:peeked] {
			token := cqe.UserData
			res := cqe.Res
			if multi, ok := root.recvTokens[token]; ok {
				if !multi || cqe.Flags&giouring.CQEFMore == 0 {
					delete(root.recvTokens, token)
				}
				if res == 0 && cqe.Flags&giouring.CQEFBuffer == 0 {
					res = -1 // peer closed
				}
				if res > 0 {
					root.stats.BytesReceived.Add(uint64(res))
				}
			}
			root.stats.Completed.Add(1)
			h(token, res, cqe.Flags)
			total++
		}
		root.ring.CQAdvance(uint32(peeked))
		if int(peeked) < reapBatch {
			return total, nil
		}
	}
}

// WaitForCompletion blocks up to millis for one completion, then
// drains.
func (b *GiouringBackend) WaitForCompletion(millis int64, h Handler) (int, error) {
	if err := b.ensureReady("WAIT"); err != nil {
		return 0, err
	}
	root := b.root()
	ts := syscall.NsecToTimespec(millis * 1_000_000)
	if _, err := root.ring.WaitCQEs(1, &ts, nil); err != nil {
		if err == syscall.ETIME || err == syscall.EINTR || err == syscall.EAGAIN {
			return b.Poll(h)
		}
		return 0, errs.Wrap("WAIT", err)
	}
	return b.Poll(h)
}

// CreateFromAccepted wraps an accepted fd over the shared ring.
func (b *GiouringBackend) CreateFromAccepted(fd int) (Backend, error) {
	if err := b.ensureReady("ACCEPTED"); err != nil {
		return nil, err
	}
	root := b.root()
	return &GiouringBackend{
		ring:       root.ring,
		parent:     root,
		sockFd:     fd,
		logger:     root.logger,
		started:    true,
		recvTokens: root.recvTokens,
	}, nil
}

// InitBufferRing registers a provided-buffer ring for multishot
// receives.
func (b *GiouringBackend) InitBufferRing(nentries uint32, bufSize uint32, groupID uint16) error {
	if err := b.ensureReady("BUF_RING"); err != nil {
		return err
	}
	root := b.root()
	if root.bufRing != nil {
		return errs.New("BUF_RING", errs.Protocol, "buffer ring already initialized")
	}
	data, err := syscall.Mmap(-1, 0, int(nentries*bufSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return errs.Wrap("BUF_RING", err)
	}
	br, err := root.ring.SetupBufRing(nentries, groupID, 0)
	if err != nil {
		_ = syscall.Munmap(data)
		return errs.Wrap("BUF_RING", err)
	}
	for i := uint32(0); i < nentries; i++ {
		br.BufRingAdd(
			uintptr(unsafe.Pointer(&data[bufSize*i])),
			bufSize,
			uint16(i),
			giouring.BufRingMask(nentries),
			int(i),
		)
	}
	br.BufRingAdvance(int(nentries))
	root.bufRing = br
	root.bufData = data
	root.bufEntries = nentries
	root.bufLen = bufSize
	root.bufGroup = groupID
	return nil
}

// SubmitMultishotRecv arms a buffer-ring-fed multishot receive.
func (b *GiouringBackend) SubmitMultishotRecv(token uint64) error {
	root := b.root()
	if root.bufRing == nil {
		return errs.New("RECV", errs.Protocol, "buffer ring not initialized")
	}
	sqe, err := b.getSQE("RECV")
	if err != nil {
		return err
	}
	sqe.PrepareRecvMultishot(b.sockFd, 0, 0, 0)
	sqe.Flags = giouring.SqeBufferSelect
	sqe.BufIG = root.bufGroup
	sqe.UserData = token
	root.recvTokens[token] = true
	b.stats.Submitted.Add(1)
	return nil
}

// BufferRingView exposes the kernel-selected buffer.
func (b *GiouringBackend) BufferRingView(bid uint16, n int) []byte {
	root := b.root()
	if root.bufRing == nil {
		return nil
	}
	start := uint32(bid) * root.bufLen
	return root.bufData[start : start+uint32(n)]
}

// RecycleBuffer returns a provided buffer to the kernel.
func (b *GiouringBackend) RecycleBuffer(bid uint16) {
	root := b.root()
	if root.bufRing == nil {
		return
	}
	root.bufRing.BufRingAdd(
		uintptr(unsafe.Pointer(&root.bufData[uint32(bid)*root.bufLen])),
		root.bufLen,
		bid,
		giouring.BufRingMask(root.bufEntries),
		0,
	)
	root.bufRing.BufRingAdvance(1)
}

// SubmitLinkedEcho is not wired on this variant.
func (b *GiouringBackend) SubmitLinkedEcho(*buffer.Buffer, int, uint64, uint64) error {
	return errs.New("LINKED_ECHO", errs.Fatal, "linked operations not supported by the giouring backend")
}

// SubmitLinkedRequestResponse is not wired on this variant.
func (b *GiouringBackend) SubmitLinkedRequestResponse(*buffer.Buffer, int, *buffer.Buffer, int, uint64, uint64) error {
	return errs.New("LINKED_RR", errs.Fatal, "linked operations not supported by the giouring backend")
}

// SendBatch is not wired on this variant.
func (b *GiouringBackend) SendBatch([][]byte, []int, []uint64) (int, error) {
	return 0, errs.New("SEND", errs.Fatal, "batch operations not supported by the giouring backend")
}

// ReceiveBatch is not wired on this variant.
func (b *GiouringBackend) ReceiveBatch([]*buffer.Buffer, []int, []uint64) (int, error) {
	return 0, errs.New("RECV", errs.Fatal, "batch operations not supported by the giouring backend")
}

// CancelFd cancels all pending operations on fd.
func (b *GiouringBackend) CancelFd(fd int, token uint64) error {
	sqe, err := b.getSQE("CANCEL")
	if err != nil {
		return err
	}
	sqe.PrepareCancelFd(fd, 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// Fd returns this instance's socket.
func (b *GiouringBackend) Fd() int {
	return b.sockFd
}

// Close tears the instance down; children never exit the shared
// ring.
func (b *GiouringBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.sockFd >= 0 {
		_ = unix.Close(b.sockFd)
		b.sockFd = -1
	}
	if b.parent != nil {
		return nil
	}
	if b.bufData != nil {
		_ = syscall.Munmap(b.bufData)
		b.bufData = nil
	}
	if b.ring != nil {
		b.ring.QueueExit()
		b.ring = nil
	}
	return nil
}

// Stats returns the counters for this instance.
func (b *GiouringBackend) Stats() StatsSnapshot {
	return b.stats.snapshot()
}

// Supports reports the basic-path feature set.
func (b *GiouringBackend) Supports() Features {
	return Features{Multishot: true, BufferRing: true}
}

func (b *GiouringBackend) root() *GiouringBackend {
	if b.parent != nil {
		return b.parent
	}
	return b
}

func (b *GiouringBackend) ensureReady(op string) error {
	if !b.started {
		return errs.New(op, errs.Protocol, "backend not initialized")
	}
	if b.closed.Load() || b.root().closed.Load() {
		return errs.New(op, errs.Fatal, "backend closed")
	}
	return nil
}

var _ Backend = (*GiouringBackend)(nil)
