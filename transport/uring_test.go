//go:build linux

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/internal/uring"
)

// newTestUringBackend skips the test when the kernel cannot create
// a ring (CI without io_uring, old kernels, seccomp).
func newTestUringBackend(t *testing.T, cfg Config) *UringBackend {
	t.Helper()
	b := NewUringBackend()
	if err := b.Initialize(cfg); err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestUringBackendLoopbackEcho(t *testing.T) {
	b := newTestUringBackend(t, DefaultConfig())

	pool, err := buffer.NewPool(16, 1024)
	require.NoError(t, err)
	defer pool.Close()
	if err := b.RegisterBufferPool(pool); err != nil {
		t.Logf("registration unavailable, plain sends only: %v", err)
	}

	require.NoError(t, b.Bind("127.0.0.1:0"))
	addr := listenAddr(t, b)

	const acceptTok = 1
	require.NoError(t, b.Accept(acceptTok))
	_, err = b.SubmitBatch()
	require.NoError(t, err)

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	connFd := waitToken(t, b, acceptTok, 2*time.Second)
	require.Greater(t, connFd, int32(0))

	child, err := b.CreateFromAccepted(int(connFd))
	require.NoError(t, err)
	defer child.Close()

	_, err = client.Write([]byte("ring?"))
	require.NoError(t, err)

	buf, err := pool.Acquire()
	require.NoError(t, err)
	require.NotNil(t, buf)
	defer pool.Release(buf)

	const recvTok = 2
	require.NoError(t, child.Receive(buf, buf.Capacity(), recvTok))
	_, err = b.SubmitBatch()
	require.NoError(t, err)
	n := waitToken(t, b, recvTok, 2*time.Second)
	require.EqualValues(t, 5, n)
	assert.Equal(t, "ring?", string(buf.Bytes()[:n]))

	const sendTok = 3
	if b.Supports().RegisteredBuffers {
		require.NoError(t, child.SendRegistered(buf, int(n), sendTok))
	} else {
		require.NoError(t, child.Send(buf.Bytes(), int(n), sendTok))
	}
	_, err = b.SubmitBatch()
	require.NoError(t, err)
	sent := waitToken(t, b, sendTok, 2*time.Second)
	require.EqualValues(t, 5, sent)

	echo := make([]byte, 16)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	rn, err := client.Read(echo)
	require.NoError(t, err)
	assert.Equal(t, "ring?", string(echo[:rn]))
}

func TestUringBackendRingFullBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 8
	b := newTestUringBackend(t, cfg)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Skipf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	child, err := b.CreateFromAccepted(fds[0])
	require.NoError(t, err)
	defer child.Close()

	pool, err := buffer.NewPool(16, 4096)
	require.NoError(t, err)
	defer pool.Close()

	// Sixteen sends against a queue of eight: the backend must
	// force-submit and keep going without losing a buffer.
	bufs := make([]*buffer.Buffer, 16)
	for i := 0; i < 16; i++ {
		buf, aerr := pool.Acquire()
		require.NoError(t, aerr)
		require.NotNil(t, buf)
		bufs[i] = buf
		copy(buf.Bytes(), "payload")
		require.NoError(t, child.Send(buf.Bytes(), 7, uint64(100+i)))
	}
	_, err = b.SubmitBatch()
	require.NoError(t, err)

	completed := make(map[uint64]bool)
	deadline := time.Now().Add(3 * time.Second)
	for len(completed) < 16 && time.Now().Before(deadline) {
		_, err := b.WaitForCompletion(100, func(tok uint64, res int32, flags uint32) {
			if tok >= 100 && tok < 116 {
				completed[tok] = true
			}
		})
		require.NoError(t, err)
	}
	assert.Len(t, completed, 16, "every queued send completes")
	assert.Greater(t, b.Stats().RingFullRetries, uint64(0), "ring exhaustion forced submits")

	// No buffer lost: all sixteen return to the pool.
	for _, buf := range bufs {
		pool.Release(buf)
	}
	assert.Equal(t, 16, pool.Available())
	assert.Empty(t, pool.LeakCheck())
}

func TestUringBackendOperationsBeforeInit(t *testing.T) {
	b := NewUringBackend()
	require.Error(t, b.Bind("127.0.0.1:0"))
	require.Error(t, b.Accept(1))
	require.Error(t, b.Send(make([]byte, 8), 8, 1))
	_, err := b.Poll(func(uint64, int32, uint32) {})
	require.Error(t, err)
}

func TestUringBackendCloseIdempotent(t *testing.T) {
	b := NewUringBackend()
	if err := b.Initialize(DefaultConfig()); err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// Operations after close fail without corrupting state.
	require.Error(t, b.Accept(1))
}

func TestUringBackendWaitTimeoutExpiry(t *testing.T) {
	b := newTestUringBackend(t, DefaultConfig())
	if !b.ring.HasFeature(uring.FeatExtArg) {
		t.Skip("kernel lacks EXT_ARG timed waits")
	}

	start := time.Now()
	n, err := b.WaitForCompletion(50, func(uint64, int32, uint32) {
		t.Fatal("no completion expected")
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
