//go:build linux

package transport

import (
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
)

// selector op kinds.
const (
	selAccept uint8 = iota
	selConnect
	selSend
	selRecv
)

// selOp is one readiness-driven operation awaiting its fd.
type selOp struct {
	kind  uint8
	fd    int
	view  []byte
	n     int
	token uint64
}

// SelectorBackend is the portability fallback: non-blocking sockets
// plus poll(2) readiness, with completions synthesized as (token,
// result) tuples and dispatched on the polling thread. No
// registered buffers, no zero copy, no multishot, no linking; the
// operation contract otherwise matches the ring backend.
type SelectorBackend struct {
	sockFd  int
	parent  *SelectorBackend
	logger  *logging.Logger
	stats   Stats
	started bool
	closed  atomic.Bool

	// Root-owned dispatch state; children alias it. Single
	// dispatch thread, so plain containers suffice.
	ops       []selOp
	comps     *queue.Queue // synthesized Completion values
	pollFds   []unix.PollFd
	lastBatch int
}

// NewSelectorBackend returns an uninitialized selector backend.
func NewSelectorBackend() *SelectorBackend {
	return &SelectorBackend{
		sockFd: -1,
		logger: logging.Default().WithComponent("selector"),
	}
}

// Initialize prepares dispatch state; no kernel resources beyond
// sockets are held.
func (b *SelectorBackend) Initialize(cfg Config) error {
	if b.started {
		return errs.New("INIT", errs.Protocol, "backend already initialized")
	}
	b.comps = queue.New()
	b.started = true
	return nil
}

// RegisterBufferPool is not available on the selector path.
func (b *SelectorBackend) RegisterBufferPool(*buffer.Pool) error {
	return errs.New("REGISTER_BUFFERS", errs.Fatal, "registered buffers not supported by the selector backend")
}

// Bind creates the non-blocking listening socket.
func (b *SelectorBackend) Bind(addr string) error {
	if err := b.ensureReady("BIND"); err != nil {
		return err
	}
	sa, family, err := listenerSockaddr(addr)
	if err != nil {
		return err
	}
	fd, serr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
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
	b.logger.Info("listening", "addr", addr, "fd", fd)
	return nil
}

// Accept arms one accept; the completion result is the new fd.
func (b *SelectorBackend) Accept(token uint64) error {
	if err := b.ensureReady("ACCEPT"); err != nil {
		return err
	}
	b.queueOp(selOp{kind: selAccept, fd: b.sockFd, token: token})
	return nil
}

// AcceptMultishot is not available on the selector path.
func (b *SelectorBackend) AcceptMultishot(uint64) error {
	return errs.New("ACCEPT", errs.Fatal, "multishot not supported by the selector backend")
}

// Connect dials with a non-blocking socket; readiness for write
// resolves the attempt.
func (b *SelectorBackend) Connect(addr string, token uint64) error {
	if err := b.ensureReady("CONNECT"); err != nil {
		return err
	}
	sa, family, err := listenerSockaddr(addr)
	if err != nil {
		return err
	}
	fd, serr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if serr != nil {
		return errs.Wrap("CONNECT", serr)
	}
	if b.sockFd >= 0 {
		_ = unix.Close(b.sockFd) // abandoned dial attempt
	}
	b.sockFd = fd
	b.stats.Connects.Add(1)

	cerr := unix.Connect(fd, sa)
	switch cerr {
	case nil:
		b.pushComp(token, 0, 0)
	case unix.EINPROGRESS:
		b.queueOp(selOp{kind: selConnect, fd: fd, token: token})
	default:
		b.pushComp(token, negErrno(cerr), 0)
	}
	return nil
}

// Send queues a send of view[:n] resolved on write readiness.
func (b *SelectorBackend) Send(view []byte, n int, token uint64) error {
	if err := b.ensureReady("SEND"); err != nil {
		return err
	}
	if n < 0 || n > len(view) {
		return errs.New("SEND", errs.Protocol, "length out of range")
	}
	b.queueOp(selOp{kind: selSend, fd: b.sockFd, view: view, n: n, token: token})
	b.stats.BytesSent.Add(uint64(n))
	return nil
}

// SendRegistered is not available on the selector path.
func (b *SelectorBackend) SendRegistered(*buffer.Buffer, int, uint64) error {
	return errs.New("SEND", errs.Fatal, "registered buffers not supported by the selector backend")
}

// SendZeroCopy is not available on the selector path.
func (b *SelectorBackend) SendZeroCopy([]byte, int, uint64) error {
	return errs.New("SEND", errs.Fatal, "zero-copy send not supported by the selector backend")
}

// Receive queues a receive into the pool buffer's view.
func (b *SelectorBackend) Receive(buf *buffer.Buffer, n int, token uint64) error {
	if n < 0 || n > buf.Capacity() {
		return errs.New("RECV", errs.Protocol, "length exceeds buffer capacity")
	}
	return b.ReceiveInto(buf.Bytes(), n, token)
}

// ReceiveInto queues a receive resolved on read readiness.
func (b *SelectorBackend) ReceiveInto(view []byte, n int, token uint64) error {
	if err := b.ensureReady("RECV"); err != nil {
		return err
	}
	if n < 0 || n > len(view) {
		return errs.New("RECV", errs.Protocol, "length out of range")
	}
	b.queueOp(selOp{kind: selRecv, fd: b.sockFd, view: view, n: n, token: token})
	return nil
}

// SubmitBatch reports the operations queued since the last call;
// there is no kernel batch to flush.
func (b *SelectorBackend) SubmitBatch() (int, error) {
	if err := b.ensureReady("SUBMIT"); err != nil {
		return 0, err
	}
	root := b.root()
	n := root.lastBatch
	root.lastBatch = 0
	root.stats.SubmitCalls.Add(1)
	return n, nil
}

// Poll performs one non-blocking readiness pass, executes ready
// operations and drains synthesized completions through h.
func (b *SelectorBackend) Poll(h Handler) (int, error) {
	if err := b.ensureReady("POLL"); err != nil {
		return 0, err
	}
	root := b.root()
	root.pass(0)
	return root.drain(h), nil
}

// WaitForCompletion blocks in poll(2) up to millis for readiness,
// then drains. Returns 0 on expiry.
func (b *SelectorBackend) WaitForCompletion(millis int64, h Handler) (int, error) {
	if err := b.ensureReady("WAIT"); err != nil {
		return 0, err
	}
	root := b.root()
	if root.comps.Length() == 0 {
		root.pass(int(millis))
	}
	return root.drain(h), nil
}

// pass polls all pending fds once with the given timeout and
// executes whatever became ready.
func (b *SelectorBackend) pass(timeoutMillis int) {
	if len(b.ops) == 0 {
		return
	}
	b.pollFds = b.pollFds[:0]
	for _, op := range b.ops {
		ev := int16(unix.POLLIN)
		if op.kind == selSend || op.kind == selConnect {
			ev = unix.POLLOUT
		}
		b.pollFds = append(b.pollFds, unix.PollFd{Fd: int32(op.fd), Events: ev})
	}
	n, err := unix.Poll(b.pollFds, timeoutMillis)
	if err != nil || n == 0 {
		return
	}

	remaining := b.ops[:0]
	for i, op := range b.ops {
		re := b.pollFds[i].Revents
		if re == 0 {
			remaining = append(remaining, op)
			continue
		}
		b.execute(op, re)
	}
	b.ops = remaining
}

// execute runs one ready operation and synthesizes its completion.
func (b *SelectorBackend) execute(op selOp, revents int16) {
	switch op.kind {
	case selAccept:
		fd, _, err := unix.Accept4(op.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			b.pushComp(op.token, negErrno(err), 0)
			return
		}
		b.stats.Accepts.Add(1)
		b.pushComp(op.token, int32(fd), 0)
	case selConnect:
		soerr, err := unix.GetsockoptInt(op.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case err != nil:
			b.pushComp(op.token, negErrno(err), 0)
		case soerr != 0:
			b.pushComp(op.token, -int32(soerr), 0)
		default:
			b.pushComp(op.token, 0, 0)
		}
	case selSend:
		n, err := unix.Write(op.fd, op.view[:op.n])
		if err != nil {
			b.pushComp(op.token, negErrno(err), 0)
			return
		}
		b.pushComp(op.token, int32(n), 0)
	case selRecv:
		if revents&(unix.POLLHUP|unix.POLLERR) != 0 && revents&unix.POLLIN == 0 {
			b.pushComp(op.token, -1, 0)
			return
		}
		n, err := unix.Read(op.fd, op.view[:op.n])
		switch {
		case err != nil:
			b.pushComp(op.token, negErrno(err), 0)
		case n == 0:
			b.pushComp(op.token, -1, 0) // peer closed
		default:
			b.stats.BytesReceived.Add(uint64(n))
			b.pushComp(op.token, int32(n), 0)
		}
	}
}

// drain delivers synthesized completions in arrival order. The
// completion is dequeued before the handler runs, so a handler that
// chains the next operation observes consistent state.
func (b *SelectorBackend) drain(h Handler) int {
	n := 0
	for b.comps.Length() > 0 {
		c := b.comps.Remove().(Completion)
		b.stats.Completed.Add(1)
		h(c.Token, c.Result, c.Flags)
		n++
	}
	return n
}

// CreateFromAccepted wraps an accepted fd; the child shares the
// root's dispatch state.
func (b *SelectorBackend) CreateFromAccepted(fd int) (Backend, error) {
	if err := b.ensureReady("ACCEPTED"); err != nil {
		return nil, err
	}
	root := b.root()
	child := &SelectorBackend{
		sockFd:  fd,
		parent:  root,
		logger:  root.logger,
		started: true,
	}
	return child, nil
}

// InitBufferRing is not available on the selector path.
func (b *SelectorBackend) InitBufferRing(uint32, uint32, uint16) error {
	return errs.New("BUF_RING", errs.Fatal, "buffer rings not supported by the selector backend")
}

// SubmitMultishotRecv is not available on the selector path.
func (b *SelectorBackend) SubmitMultishotRecv(uint64) error {
	return errs.New("RECV", errs.Fatal, "multishot not supported by the selector backend")
}

// BufferRingView always returns nil on the selector path.
func (b *SelectorBackend) BufferRingView(uint16, int) []byte {
	return nil
}

// RecycleBuffer is a no-op on the selector path.
func (b *SelectorBackend) RecycleBuffer(uint16) {}

// SubmitLinkedEcho is not available on the selector path.
func (b *SelectorBackend) SubmitLinkedEcho(*buffer.Buffer, int, uint64, uint64) error {
	return errs.New("LINKED_ECHO", errs.Fatal, "linked operations not supported by the selector backend")
}

// SubmitLinkedRequestResponse is not available on the selector path.
func (b *SelectorBackend) SubmitLinkedRequestResponse(*buffer.Buffer, int, *buffer.Buffer, int, uint64, uint64) error {
	return errs.New("LINKED_RR", errs.Fatal, "linked operations not supported by the selector backend")
}

// SendBatch is not available on the selector path.
func (b *SelectorBackend) SendBatch([][]byte, []int, []uint64) (int, error) {
	return 0, errs.New("SEND", errs.Fatal, "batch operations not supported by the selector backend")
}

// ReceiveBatch is not available on the selector path.
func (b *SelectorBackend) ReceiveBatch([]*buffer.Buffer, []int, []uint64) (int, error) {
	return 0, errs.New("RECV", errs.Fatal, "batch operations not supported by the selector backend")
}

// CancelFd drops pending operations on fd, synthesizing cancelled
// completions for each.
func (b *SelectorBackend) CancelFd(fd int, token uint64) error {
	if err := b.ensureReady("CANCEL"); err != nil {
		return err
	}
	root := b.root()
	remaining := root.ops[:0]
	for _, op := range root.ops {
		if op.fd == fd {
			root.pushComp(op.token, negErrno(unix.ECANCELED), 0)
			continue
		}
		remaining = append(remaining, op)
	}
	root.ops = remaining
	root.pushComp(token, 0, 0)
	return nil
}

// Fd returns this instance's socket.
func (b *SelectorBackend) Fd() int {
	return b.sockFd
}

// Close tears this instance down; children close only their fd.
func (b *SelectorBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.sockFd >= 0 {
		_ = unix.Close(b.sockFd)
		b.sockFd = -1
	}
	return nil
}

// Stats returns the counters for this instance.
func (b *SelectorBackend) Stats() StatsSnapshot {
	return b.root().stats.snapshot()
}

// Supports reports the fallback feature set: batchless, copying,
// single-shot.
func (b *SelectorBackend) Supports() Features {
	return Features{}
}

func (b *SelectorBackend) root() *SelectorBackend {
	if b.parent != nil {
		return b.parent
	}
	return b
}

func (b *SelectorBackend) ensureReady(op string) error {
	if !b.started {
		return errs.New(op, errs.Protocol, "backend not initialized")
	}
	if b.closed.Load() || b.root().closed.Load() {
		return errs.New(op, errs.Fatal, "backend closed")
	}
	return nil
}

func (b *SelectorBackend) queueOp(op selOp) {
	root := b.root()
	root.ops = append(root.ops, op)
	root.lastBatch++
	root.stats.Submitted.Add(1)
}

func (b *SelectorBackend) pushComp(token uint64, result int32, flags uint32) {
	root := b.root()
	root.comps.Add(Completion{Token: token, Result: result, Flags: flags})
}

func negErrno(err error) int32 {
	if errno, ok := err.(syscall.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

var _ Backend = (*SelectorBackend)(nil)
