//go:build linux

package transport

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
	"github.com/arpelle/uringnet/internal/uring"
)

const (
	// sqeRetryLimit bounds force-submit retries when the submission
	// queue is full before the failure surfaces as RESOURCE.
	sqeRetryLimit = 8

	// reapBatch is the per-drain CQE copy size.
	reapBatch = 256
)

// pending-op kinds tracked between submission and completion.
const (
	pendingRecv uint8 = iota + 1
	pendingRecvMulti
	pendingZC
	pendingSkip
)

// pendingOp is the per-token state the reaper consults: EOF mapping
// for receives, buffer pinning for zero-copy sends, suppression for
// chain-internal entries on kernels without CQE_SKIP_SUCCESS.
type pendingOp struct {
	kind uint8
	view []byte // pinned for zero-copy until the NOTIF arrives
}

// UringBackend drives one io_uring instance. It is single-threaded
// cooperative: one thread owns the ring, submits, reaps and runs
// handlers. Child instances returned by CreateFromAccepted share the
// parent ring and own only their socket fd.
type UringBackend struct {
	ring    *uring.Ring
	parent  *UringBackend
	sockFd  int
	logger  *logging.Logger
	stats   Stats
	feats   Features
	cfg     Config
	started bool
	closed  atomic.Bool

	pool       *buffer.Pool
	registered bool
	bufRing    *uring.BufRing

	pending map[uint64]pendingOp

	// Pre-allocated per-instance scratch: timed waits and
	// connect/accept addresses never allocate.
	ts         uring.Timespec
	dialAddr   sockaddrStorage
	acceptAddr uring.RawSockaddrInet4
	acceptLen  uint32

	cqes [reapBatch]uring.CQE
}

// NewUringBackend returns an uninitialized ring backend.
func NewUringBackend() *UringBackend {
	return &UringBackend{
		sockFd:  -1,
		logger:  logging.Default().WithComponent("uring"),
		pending: make(map[uint64]pendingOp),
	}
}

// Initialize creates the kernel ring, probing features in order:
// SQPOLL (with SQ affinity if configured), cooperative task run,
// single issuer, CQ size. Each failed probe degrades toward a basic
// ring; only the total absence of io_uring is fatal.
func (b *UringBackend) Initialize(cfg Config) error {
	if b.started {
		return errs.New("INIT", errs.Protocol, "backend already initialized")
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	b.cfg = cfg

	type attempt struct {
		name string
		opts []uring.Option
	}

	var ladder []attempt
	base := []uring.Option{}
	if cfg.CQSize > 0 {
		base = append(base, uring.WithCQSize(cfg.CQSize))
	}
	full := append([]uring.Option{}, base...)
	full = append(full, uring.WithCoopTaskrun(), uring.WithSingleIssuer())
	if cfg.SQPoll {
		sqpoll := append([]uring.Option{}, full...)
		sqpoll = append(sqpoll, uring.WithSQPoll(cfg.SQPollIdleMicros/1000))
		if cfg.SQPollCPU >= 0 {
			sqpoll = append(sqpoll, uring.WithSQPollCPU(uint32(cfg.SQPollCPU)))
		}
		ladder = append(ladder, attempt{"sqpoll", sqpoll})
	}
	ladder = append(ladder,
		attempt{"coop+single", full},
		attempt{"coop", append(append([]uring.Option{}, base...), uring.WithCoopTaskrun())},
		attempt{"cqsize", base},
		attempt{"basic", nil},
	)

	var ring *uring.Ring
	var err error
	for _, a := range ladder {
		ring, err = uring.New(cfg.QueueDepth, a.opts...)
		if err == nil {
			b.logger.Debug("ring created", "mode", a.name, "depth", cfg.QueueDepth)
			break
		}
		if uring.IsKernelSupportError(err) && a.name == "basic" {
			return errs.Wrap("INIT", err)
		}
		b.logger.Debug("ring feature probe failed, degrading", "mode", a.name, "error", err)
	}
	if ring == nil {
		return errs.Wrap("INIT", err)
	}
	b.ring = ring
	b.started = true

	b.feats.LinkedOps = true
	b.feats.Batch = true
	b.feats.SQPoll = ring.SetupFlags()&uring.SetupSQPoll != 0
	if probe, perr := ring.Probe(); perr == nil {
		b.feats.ZeroCopySend = probe.Supported(uring.OpSendZC)
		// Multishot recv and provided-buffer rings predate SEND_ZC;
		// the probe result is the conservative proxy for both.
		b.feats.Multishot = probe.Supported(uring.OpSendZC)
		b.feats.BufferRing = probe.Supported(uring.OpSendZC)
	}
	return nil
}

// RegisterBufferPool registers the pool's arena with the kernel as
// one iovec per buffer, so registration ids equal pool indices.
// Registration failure is fatal for this backend instance.
func (b *UringBackend) RegisterBufferPool(pool *buffer.Pool) error {
	if err := b.ensureReady("REGISTER_BUFFERS"); err != nil {
		return err
	}
	if b.parent != nil {
		return errs.New("REGISTER_BUFFERS", errs.Protocol, "register on the parent backend, not a child")
	}
	if err := b.ring.RegisterBufferIovecs(pool.Iovecs()); err != nil {
		return errs.New("REGISTER_BUFFERS", errs.Fatal, "buffer registration failed: "+err.Error())
	}
	b.pool = pool
	b.registered = true
	b.feats.RegisteredBuffers = true
	b.logger.Info("buffer pool registered", "buffers", pool.Capacity(), "buffer_size", pool.BufferSize())
	return nil
}

// Bind creates the listening socket.
func (b *UringBackend) Bind(addr string) error {
	if err := b.ensureReady("BIND"); err != nil {
		return err
	}
	sa, family, err := listenerSockaddr(addr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errs.Wrap("BIND", err)
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
	b.logger.Info("listening", "addr", addr, "fd", fd)
	return nil
}

// Accept arms a single-shot accept on the listening socket.
func (b *UringBackend) Accept(token uint64) error {
	sqe, err := b.getSQE("ACCEPT")
	if err != nil {
		return err
	}
	b.acceptLen = uint32(unsafe.Sizeof(b.acceptAddr))
	sqe.PrepAccept(b.sockFd,
		uintptr(unsafe.Pointer(&b.acceptAddr)),
		uintptr(unsafe.Pointer(&b.acceptLen)), 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// AcceptMultishot arms an accept that posts a completion per
// incoming connection until cancelled.
func (b *UringBackend) AcceptMultishot(token uint64) error {
	if !b.feats.Multishot {
		return errs.New("ACCEPT", errs.Fatal, "multishot accept not supported by this kernel")
	}
	sqe, err := b.getSQE("ACCEPT")
	if err != nil {
		return err
	}
	sqe.PrepMultishotAccept(b.sockFd, 0, 0, 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// Connect creates a socket and arms a connect; the address bytes
// live in pre-allocated storage for the submission's lifetime.
func (b *UringBackend) Connect(addr string, token uint64) error {
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
	if b.sockFd >= 0 {
		_ = unix.Close(b.sockFd) // abandoned dial attempt
	}
	b.sockFd = fd

	sqe, err := b.getSQE("CONNECT")
	if err != nil {
		_ = unix.Close(fd)
		b.sockFd = -1
		return err
	}
	sqe.PrepConnect(fd, ptr, size)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	b.stats.Connects.Add(1)
	return nil
}

// Send queues a send of view[:n] on this instance's socket.
func (b *UringBackend) Send(view []byte, n int, token uint64) error {
	if err := b.checkLen(view, n, "SEND"); err != nil {
		return err
	}
	sqe, err := b.getSQE("SEND")
	if err != nil {
		return err
	}
	sqe.PrepSend(b.sockFd, uintptr(unsafe.Pointer(&view[0])), uint32(n), 0)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return nil
}

// SendRegistered queues a send referencing the buffer's registered
// index, skipping per-call page pinning.
func (b *UringBackend) SendRegistered(buf *buffer.Buffer, n int, token uint64) error {
	if !b.root().registered {
		return errs.New("SEND", errs.Protocol, "no buffer pool registered")
	}
	if n < 0 || n > buf.Capacity() {
		return errs.New("SEND", errs.Protocol, "length exceeds buffer capacity")
	}
	sqe, err := b.getSQE("SEND")
	if err != nil {
		return err
	}
	sqe.PrepSendFixed(b.sockFd, buf.Addr(), uint32(n), 0, uint16(buf.RegistrationID()))
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return nil
}

// SendZeroCopy queues a SEND_ZC. The view is pinned in the pending
// map until the kernel's NOTIF completion releases it; the caller
// must not recycle the memory earlier.
func (b *UringBackend) SendZeroCopy(view []byte, n int, token uint64) error {
	if !b.feats.ZeroCopySend {
		return errs.New("SEND", errs.Fatal, "zero-copy send not supported by this kernel")
	}
	if err := b.checkLen(view, n, "SEND"); err != nil {
		return err
	}
	sqe, err := b.getSQE("SEND")
	if err != nil {
		return err
	}
	sqe.PrepSendZC(b.sockFd, uintptr(unsafe.Pointer(&view[0])), uint32(n), 0)
	sqe.UserData = token
	b.trackPending(token, pendingOp{kind: pendingZC, view: view[:n]})
	b.stats.Submitted.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return nil
}

// Receive queues a receive into a pool buffer. A peer close is
// reported as result -1.
func (b *UringBackend) Receive(buf *buffer.Buffer, n int, token uint64) error {
	if n < 0 || n > buf.Capacity() {
		return errs.New("RECV", errs.Protocol, "length exceeds buffer capacity")
	}
	sqe, err := b.getSQE("RECV")
	if err != nil {
		return err
	}
	sqe.PrepRecv(b.sockFd, buf.Addr(), uint32(n), 0)
	sqe.UserData = token
	b.trackPending(token, pendingOp{kind: pendingRecv})
	b.stats.Submitted.Add(1)
	return nil
}

// ReceiveInto queues a receive into a plain view.
func (b *UringBackend) ReceiveInto(view []byte, n int, token uint64) error {
	if err := b.checkLen(view, n, "RECV"); err != nil {
		return err
	}
	sqe, err := b.getSQE("RECV")
	if err != nil {
		return err
	}
	sqe.PrepRecv(b.sockFd, uintptr(unsafe.Pointer(&view[0])), uint32(n), 0)
	sqe.UserData = token
	b.trackPending(token, pendingOp{kind: pendingRecv})
	b.stats.Submitted.Add(1)
	return nil
}

// SubmitBatch flushes prepared SQEs with one enter syscall.
func (b *UringBackend) SubmitBatch() (int, error) {
	if err := b.ensureReady("SUBMIT"); err != nil {
		return 0, err
	}
	n, err := b.ring.Submit()
	if err != nil {
		b.stats.Errors.Add(1)
		return n, errs.Wrap("SUBMIT", err)
	}
	b.stats.SubmitCalls.Add(1)
	return n, nil
}

// Poll drains all currently available completions. Handlers run
// synchronously in the reaping frame; they must not block.
func (b *UringBackend) Poll(h Handler) (int, error) {
	if err := b.ensureReady("POLL"); err != nil {
		return 0, err
	}
	root := b.root()
	total := 0
	for {
		n := root.ring.PeekBatch(root.cqes[:])
		if n == 0 {
			return total, nil
		}
		for i := 0; i < n; i++ {
			if root.dispatch(&root.cqes[i], h) {
				total++
			}
		}
		root.ring.Advance(n)
		if n < reapBatch {
			return total, nil
		}
	}
}

// dispatch routes one CQE through the pending-op table and the
// handler. Returns false when the entry was suppressed.
func (b *UringBackend) dispatch(cqe *uring.CQE, h Handler) bool {
	token := cqe.UserData
	res := cqe.Res
	flags := cqe.Flags
	b.stats.Completed.Add(1)

	if op, ok := b.pending[token]; ok {
		switch op.kind {
		case pendingZC:
			if cqe.IsNotif() {
				delete(b.pending, token)
			}
		case pendingRecv:
			delete(b.pending, token)
			if res == 0 {
				res = -1 // peer closed
			}
			if res > 0 {
				b.stats.BytesReceived.Add(uint64(res))
			}
		case pendingRecvMulti:
			if !cqe.HasMore() {
				delete(b.pending, token)
			}
			if res == 0 && !cqe.HasBuffer() {
				res = -1
			}
			if res > 0 {
				b.stats.BytesReceived.Add(uint64(res))
			}
		case pendingSkip:
			delete(b.pending, token)
			if res >= 0 {
				return false // chain-internal success, suppressed
			}
		}
	}
	if res < -1 {
		b.stats.Errors.Add(1)
	}
	h(token, res, flags)
	return true
}

// WaitForCompletion blocks up to millis for at least one completion
// and then drains. The pre-allocated timespec keeps the wait path
// allocation-free. Returns 0 on expiry.
func (b *UringBackend) WaitForCompletion(millis int64, h Handler) (int, error) {
	if err := b.ensureReady("WAIT"); err != nil {
		return 0, err
	}
	root := b.root()
	if root.ring.CQReady() == 0 {
		root.ts.Sec = millis / 1000
		root.ts.Nsec = (millis % 1000) * 1_000_000
		if _, err := root.ring.SubmitAndWaitTimeout(1, &root.ts); err != nil {
			if err == syscall.EINTR {
				return 0, nil
			}
			return 0, errs.Wrap("WAIT", err)
		}
	}
	return b.Poll(h)
}

// CreateFromAccepted wraps an accepted connection fd in a child
// backend sharing this ring. The child owns only the fd.
func (b *UringBackend) CreateFromAccepted(fd int) (Backend, error) {
	if err := b.ensureReady("ACCEPTED"); err != nil {
		return nil, err
	}
	root := b.root()
	child := &UringBackend{
		ring:    root.ring,
		parent:  root,
		sockFd:  fd,
		logger:  root.logger,
		feats:   root.feats,
		cfg:     root.cfg,
		started: true,
		pool:    root.pool,
		pending: root.pending,
	}
	return child, nil
}

// InitBufferRing registers a provided-buffer ring for multishot
// receives. nentries must be a power of two.
func (b *UringBackend) InitBufferRing(nentries uint32, bufSize uint32, groupID uint16) error {
	if err := b.ensureReady("BUF_RING"); err != nil {
		return err
	}
	root := b.root()
	if root.bufRing != nil {
		return errs.New("BUF_RING", errs.Protocol, "buffer ring already initialized")
	}
	br, err := root.ring.SetupBufRing(nentries, groupID, bufSize)
	if err != nil {
		return errs.Wrap("BUF_RING", err)
	}
	root.bufRing = br
	root.feats.BufferRing = true
	return nil
}

// SubmitMultishotRecv arms a buffer-ring-fed multishot receive.
// Completions carry FlagBuffer; callers recycle via RecycleBuffer.
func (b *UringBackend) SubmitMultishotRecv(token uint64) error {
	root := b.root()
	if root.bufRing == nil {
		return errs.New("RECV", errs.Protocol, "buffer ring not initialized")
	}
	sqe, err := b.getSQE("RECV")
	if err != nil {
		return err
	}
	sqe.PrepRecvMultishot(b.sockFd, root.bufRing.GroupID())
	sqe.UserData = token
	b.trackPending(token, pendingOp{kind: pendingRecvMulti})
	b.stats.Submitted.Add(1)
	return nil
}

// BufferRingView exposes the kernel-selected buffer for a
// FlagBuffer completion.
func (b *UringBackend) BufferRingView(bid uint16, n int) []byte {
	root := b.root()
	if root.bufRing == nil {
		return nil
	}
	return root.bufRing.Buffer(bid, n)
}

// RecycleBuffer returns a provided buffer to the kernel's ring.
func (b *UringBackend) RecycleBuffer(bid uint16) {
	root := b.root()
	if root.bufRing != nil {
		root.bufRing.Recycle(bid)
	}
}

// SubmitLinkedEcho chains a receive and a send over the same buffer
// region. The send does not start until the receive completes; the
// chain breaks on the first failure. On kernels with CQE_SKIP the
// intermediate receive completion is suppressed on success.
func (b *UringBackend) SubmitLinkedEcho(buf *buffer.Buffer, n int, recvToken, sendToken uint64) error {
	recvSQE, err := b.getSQE("LINKED_ECHO")
	if err != nil {
		return err
	}
	recvSQE.PrepRecv(b.sockFd, buf.Addr(), uint32(n), 0)
	recvSQE.UserData = recvToken
	recvSQE.Link()
	if b.ring.HasFeature(uring.FeatCQESkip) {
		recvSQE.SkipSuccess()
	} else {
		b.trackPending(recvToken, pendingOp{kind: pendingSkip})
	}

	sendSQE, err := b.getSQE("LINKED_ECHO")
	if err != nil {
		return err
	}
	sendSQE.PrepSend(b.sockFd, buf.Addr(), uint32(n), 0)
	sendSQE.UserData = sendToken
	b.stats.Submitted.Add(2)
	return nil
}

// SubmitLinkedRequestResponse chains a send then a receive.
func (b *UringBackend) SubmitLinkedRequestResponse(sendBuf *buffer.Buffer, sendLen int,
	recvBuf *buffer.Buffer, recvLen int, sendToken, recvToken uint64) error {
	sendSQE, err := b.getSQE("LINKED_RR")
	if err != nil {
		return err
	}
	sendSQE.PrepSend(b.sockFd, sendBuf.Addr(), uint32(sendLen), 0)
	sendSQE.UserData = sendToken
	sendSQE.Link()

	recvSQE, err := b.getSQE("LINKED_RR")
	if err != nil {
		return err
	}
	recvSQE.PrepRecv(b.sockFd, recvBuf.Addr(), uint32(recvLen), 0)
	recvSQE.UserData = recvToken
	b.trackPending(recvToken, pendingOp{kind: pendingRecv})
	b.stats.Submitted.Add(2)
	b.stats.BytesSent.Add(uint64(sendLen))
	return nil
}

// SendBatch queues one send per triple; a full ring stops the batch
// and the queued count is returned.
func (b *UringBackend) SendBatch(views [][]byte, lens []int, tokens []uint64) (int, error) {
	if len(views) != len(lens) || len(views) != len(tokens) {
		return 0, errs.New("SEND", errs.Protocol, "batch slices must have equal length")
	}
	queued := 0
	for i := range views {
		sqe := b.root().ring.GetSQE()
		if sqe == nil {
			return queued, nil
		}
		sqe.PrepSend(b.sockFd, uintptr(unsafe.Pointer(&views[i][0])), uint32(lens[i]), 0)
		sqe.UserData = tokens[i]
		b.stats.Submitted.Add(1)
		b.stats.BytesSent.Add(uint64(lens[i]))
		queued++
	}
	return queued, nil
}

// ReceiveBatch queues one receive per triple; a full ring stops the
// batch and the queued count is returned.
func (b *UringBackend) ReceiveBatch(bufs []*buffer.Buffer, lens []int, tokens []uint64) (int, error) {
	if len(bufs) != len(lens) || len(bufs) != len(tokens) {
		return 0, errs.New("RECV", errs.Protocol, "batch slices must have equal length")
	}
	queued := 0
	for i := range bufs {
		sqe := b.root().ring.GetSQE()
		if sqe == nil {
			return queued, nil
		}
		sqe.PrepRecv(b.sockFd, bufs[i].Addr(), uint32(lens[i]), 0)
		sqe.UserData = tokens[i]
		b.trackPending(tokens[i], pendingOp{kind: pendingRecv})
		b.stats.Submitted.Add(1)
		queued++
	}
	return queued, nil
}

// CancelFd cancels all pending operations on fd. Issue before
// closing a connection with multishot operations armed; residual
// completions after the cancel completes must be ignored.
func (b *UringBackend) CancelFd(fd int, token uint64) error {
	sqe, err := b.getSQE("CANCEL")
	if err != nil {
		return err
	}
	sqe.PrepCancelFd(fd, uring.AsyncCancelAll)
	sqe.UserData = token
	b.stats.Submitted.Add(1)
	return nil
}

// Fd returns this instance's socket.
func (b *UringBackend) Fd() int {
	return b.sockFd
}

// Close tears the instance down. Children close only their fd; the
// root additionally releases the buffer ring, registrations and the
// ring itself.
func (b *UringBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.sockFd >= 0 {
		_ = unix.Close(b.sockFd)
		b.sockFd = -1
	}
	if b.parent != nil {
		return nil // shared ring belongs to the parent
	}
	if b.bufRing != nil {
		_ = b.bufRing.Close()
		b.bufRing = nil
	}
	if b.ring != nil {
		if b.registered {
			_ = b.ring.UnregisterBuffers()
		}
		err := b.ring.Close()
		b.ring = nil
		if err != nil {
			return errs.Wrap("CLOSE", err)
		}
	}
	return nil
}

// Stats returns the counters for this instance.
func (b *UringBackend) Stats() StatsSnapshot {
	return b.stats.snapshot()
}

// Supports reports the degraded feature set chosen at Initialize.
func (b *UringBackend) Supports() Features {
	return b.feats
}

func (b *UringBackend) root() *UringBackend {
	if b.parent != nil {
		return b.parent
	}
	return b
}

func (b *UringBackend) ensureReady(op string) error {
	if !b.started {
		return errs.New(op, errs.Protocol, "backend not initialized")
	}
	if b.closed.Load() || b.root().closed.Load() {
		return errs.New(op, errs.Fatal, "backend closed")
	}
	return nil
}

func (b *UringBackend) checkLen(view []byte, n int, op string) error {
	if n < 0 || n > len(view) {
		return errs.New(op, errs.Protocol,
			fmt.Sprintf("length %d out of range for view of %d bytes", n, len(view)))
	}
	return nil
}

// trackPending records per-token reaper state on the root instance.
func (b *UringBackend) trackPending(token uint64, op pendingOp) {
	b.root().pending[token] = op
}

// getSQE returns a free submission slot, force-submitting pending
// entries when the ring is full. After the bounded retries the
// exhaustion surfaces as RESOURCE.
func (b *UringBackend) getSQE(op string) (*uring.SQE, error) {
	if err := b.ensureReady(op); err != nil {
		return nil, err
	}
	root := b.root()
	for i := 0; i < sqeRetryLimit; i++ {
		if sqe := root.ring.GetSQE(); sqe != nil {
			return sqe, nil
		}
		root.stats.RingFullRetries.Add(1)
		if _, err := root.ring.Submit(); err != nil {
			return nil, errs.Wrap(op, err)
		}
	}
	return nil, errs.New(op, errs.Resource, "submission queue full")
}

var _ Backend = (*UringBackend)(nil)
