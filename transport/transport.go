// Package transport defines the byte-stream transport backends: the
// io_uring backend with registered buffers and the portable
// selector fallback. Both expose the same operation surface; results
// always arrive asynchronously as (token, result, flags) completions
// routed through a caller handler.
package transport

import (
	"sync/atomic"

	"github.com/arpelle/uringnet/buffer"
)

// BackendType selects a transport implementation.
type BackendType int

const (
	// BackendIOUring is the io_uring ring backend (Linux >= 5.1).
	BackendIOUring BackendType = iota
	// BackendSelector is the readiness-polling fallback.
	BackendSelector
	// BackendXDP is reserved in configuration and unimplemented.
	BackendXDP
)

func (t BackendType) String() string {
	switch t {
	case BackendIOUring:
		return "io_uring"
	case BackendSelector:
		return "selector"
	case BackendXDP:
		return "xdp"
	default:
		return "unknown"
	}
}

// Completion is one logical completion record: the caller's token,
// the result and the flag bits.
type Completion struct {
	Token  uint64
	Result int32
	Flags  uint32
}

// Handler receives one completion. Result conventions: > 0 bytes
// transferred, 0 success without data (connect), -1 peer closed at
// the read path, < -1 negated errno.
type Handler func(token uint64, result int32, flags uint32)

// Completion flag bits mirrored from the ring CQE layout; the
// selector backend synthesizes plain completions with zero flags.
const (
	// FlagBuffer: the kernel auto-selected a provided buffer; its id
	// sits in the top 16 bits of the flags word.
	FlagBuffer uint32 = 1 << 0
	// FlagMore: a multishot operation will post more completions.
	FlagMore uint32 = 1 << 1
	// FlagNotif: zero-copy send notification, the buffer is released
	// by the kernel.
	FlagNotif uint32 = 1 << 3
)

// BufferIDShift extracts the provided-buffer id from flags.
const BufferIDShift = 16

// Config configures a backend instance.
type Config struct {
	QueueDepth       uint32 // submission queue depth, default 256
	SQPoll           bool   // kernel-side submission polling
	SQPollCPU        int    // pin the SQPOLL thread, -1 = unset
	SQPollIdleMicros uint32 // SQPOLL idle before sleeping, default 2000
	CQSize           uint32 // explicit CQ size, 0 = kernel default
}

// DefaultConfig returns the standard backend configuration.
func DefaultConfig() Config {
	return Config{
		QueueDepth:       256,
		SQPoll:           false,
		SQPollCPU:        -1,
		SQPollIdleMicros: 2000,
	}
}

// Features reports what a backend instance can do after
// initialization (the ring backend degrades at init when the kernel
// lacks support).
type Features struct {
	RegisteredBuffers bool
	ZeroCopySend      bool
	Multishot         bool
	BufferRing        bool
	LinkedOps         bool
	Batch             bool
	SQPoll            bool
	TLS               bool
}

// Stats carries backend operation counters. All fields are atomics
// so child instances sharing a parent ring can update concurrently
// with readers.
type Stats struct {
	Submitted       atomic.Uint64
	Completed       atomic.Uint64
	SubmitCalls     atomic.Uint64
	RingFullRetries atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	Accepts         atomic.Uint64
	Connects        atomic.Uint64
	Errors          atomic.Uint64
}

// StatsSnapshot is a plain copy of the counters.
type StatsSnapshot struct {
	Submitted       uint64
	Completed       uint64
	SubmitCalls     uint64
	RingFullRetries uint64
	BytesSent       uint64
	BytesReceived   uint64
	Accepts         uint64
	Connects        uint64
	Errors          uint64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Submitted:       s.Submitted.Load(),
		Completed:       s.Completed.Load(),
		SubmitCalls:     s.SubmitCalls.Load(),
		RingFullRetries: s.RingFullRetries.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		Accepts:         s.Accepts.Load(),
		Connects:        s.Connects.Load(),
		Errors:          s.Errors.Load(),
	}
}

// Backend is the transport capability set. The set is small and
// closed; implementations that lack a feature fail the operation and
// report it via Supports.
type Backend interface {
	// Initialize allocates kernel resources per the config. Must be
	// called exactly once before any other operation.
	Initialize(cfg Config) error

	// RegisterBufferPool registers the pool's contiguous region with
	// the kernel in one shot.
	RegisterBufferPool(pool *buffer.Pool) error

	// Bind binds and listens on a "host:port" address.
	Bind(addr string) error

	// Accept arms one accept; the completion result is the new fd.
	Accept(token uint64) error

	// AcceptMultishot arms a multishot accept that keeps posting
	// completions until cancelled.
	AcceptMultishot(token uint64) error

	// Connect dials a "host:port" address; completion result 0 means
	// connected.
	Connect(addr string, token uint64) error

	// Send queues a send of view[:n].
	Send(view []byte, n int, token uint64) error

	// SendRegistered queues a send referencing a registered buffer by
	// its registration id.
	SendRegistered(buf *buffer.Buffer, n int, token uint64) error

	// SendZeroCopy queues a zero-copy send. Two completions arrive in
	// order: the byte count, then FlagNotif when the kernel releases
	// the buffer. The view must stay untouched until the NOTIF.
	SendZeroCopy(view []byte, n int, token uint64) error

	// Receive queues a receive into a pool buffer.
	Receive(buf *buffer.Buffer, n int, token uint64) error

	// ReceiveInto queues a receive into a plain view.
	ReceiveInto(view []byte, n int, token uint64) error

	// SubmitBatch flushes all prepared operations to the kernel and
	// returns the count accepted.
	SubmitBatch() (int, error)

	// Poll drains every currently available completion through h and
	// returns the count drained. Never blocks.
	Poll(h Handler) (int, error)

	// WaitForCompletion blocks up to millis for at least one
	// completion, then drains like Poll. Zero return on expiry.
	WaitForCompletion(millis int64, h Handler) (int, error)

	// CreateFromAccepted wraps an accepted fd in a child backend that
	// shares this instance's ring. Children never tear the ring down.
	CreateFromAccepted(fd int) (Backend, error)

	// InitBufferRing sets up a provided-buffer ring of nentries
	// buffers (power of two) of bufSize bytes under groupID.
	InitBufferRing(nentries uint32, bufSize uint32, groupID uint16) error

	// SubmitMultishotRecv arms a multishot receive fed from the
	// buffer ring. Completions carry FlagBuffer with the buffer id.
	SubmitMultishotRecv(token uint64) error

	// BufferRingView returns the first n bytes of a ring buffer the
	// kernel selected for a completion.
	BufferRingView(bid uint16, n int) []byte

	// RecycleBuffer returns a ring buffer to the kernel.
	RecycleBuffer(bid uint16)

	// SubmitLinkedEcho chains recv(buf[:n]) then send of the same
	// region; the chain breaks on the first failure.
	SubmitLinkedEcho(buf *buffer.Buffer, n int, recvToken, sendToken uint64) error

	// SubmitLinkedRequestResponse chains send then recv.
	SubmitLinkedRequestResponse(sendBuf *buffer.Buffer, sendLen int,
		recvBuf *buffer.Buffer, recvLen int, sendToken, recvToken uint64) error

	// SendBatch queues sends for each (view, len, token) triple and
	// returns how many were queued before the ring filled.
	SendBatch(views [][]byte, lens []int, tokens []uint64) (int, error)

	// ReceiveBatch queues receives and returns the queued count.
	ReceiveBatch(bufs []*buffer.Buffer, lens []int, tokens []uint64) (int, error)

	// CancelFd cancels every pending operation on fd. Multishot ops
	// must be cancelled before Close.
	CancelFd(fd int, token uint64) error

	// Fd returns the socket owned by this instance (listener for a
	// bound backend, connection for children), or -1.
	Fd() int

	// Close tears down this instance. Idempotent.
	Close() error

	// Stats returns the operation counters.
	Stats() StatsSnapshot

	// Supports reports the post-initialization feature set.
	Supports() Features
}
