//go:build linux

package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// listenAddr returns the bound address of a backend listening on an
// ephemeral port.
func listenAddr(t *testing.T, b Backend) string {
	t.Helper()
	sa, err := unix.Getsockname(b.Fd())
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(sa4.Port))
}

// waitToken drives the backend until the given token completes or
// the deadline passes.
func waitToken(t *testing.T, b Backend, token uint64, timeout time.Duration) int32 {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var result int32
	seen := false
	for !seen {
		remaining := time.Until(deadline).Milliseconds()
		if remaining <= 0 {
			t.Fatalf("token %#x never completed", token)
		}
		_, err := b.WaitForCompletion(remaining, func(tok uint64, res int32, flags uint32) {
			if tok == token {
				result = res
				seen = true
			}
		})
		require.NoError(t, err)
	}
	return result
}

func TestSelectorLoopbackEcho(t *testing.T) {
	b := NewSelectorBackend()
	require.NoError(t, b.Initialize(DefaultConfig()))
	defer b.Close()

	require.NoError(t, b.Bind("127.0.0.1:0"))
	addr := listenAddr(t, b)

	const acceptTok = 1
	require.NoError(t, b.Accept(acceptTok))
	if _, err := b.SubmitBatch(); err != nil {
		t.Fatal(err)
	}

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	connFd := waitToken(t, b, acceptTok, 2*time.Second)
	require.Greater(t, connFd, int32(0), "accept result is the new fd")

	child, err := b.CreateFromAccepted(int(connFd))
	require.NoError(t, err)
	defer child.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	view := make([]byte, 64)
	const recvTok = 2
	require.NoError(t, child.ReceiveInto(view, len(view), recvTok))
	n := waitToken(t, b, recvTok, 2*time.Second)
	require.EqualValues(t, 4, n)
	assert.Equal(t, "ping", string(view[:n]))

	const sendTok = 3
	require.NoError(t, child.Send(view, int(n), sendTok))
	sent := waitToken(t, b, sendTok, 2*time.Second)
	require.EqualValues(t, 4, sent)

	echo := make([]byte, 16)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	rn, err := client.Read(echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo[:rn]))
}

func TestSelectorPeerCloseMapsToEOF(t *testing.T) {
	b := NewSelectorBackend()
	require.NoError(t, b.Initialize(DefaultConfig()))
	defer b.Close()

	require.NoError(t, b.Bind("127.0.0.1:0"))
	addr := listenAddr(t, b)

	require.NoError(t, b.Accept(1))
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	connFd := waitToken(t, b, 1, 2*time.Second)
	child, err := b.CreateFromAccepted(int(connFd))
	require.NoError(t, err)
	defer child.Close()

	require.NoError(t, client.Close())

	view := make([]byte, 16)
	require.NoError(t, child.ReceiveInto(view, len(view), 2))
	res := waitToken(t, b, 2, 2*time.Second)
	assert.EqualValues(t, -1, res, "peer close surfaces as -1")
}

func TestSelectorConnectRefused(t *testing.T) {
	b := NewSelectorBackend()
	require.NoError(t, b.Initialize(DefaultConfig()))
	defer b.Close()

	// Bind a listener, learn its port, close it, then dial it.
	probe := NewSelectorBackend()
	require.NoError(t, probe.Initialize(DefaultConfig()))
	require.NoError(t, probe.Bind("127.0.0.1:0"))
	addr := listenAddr(t, probe)
	require.NoError(t, probe.Close())

	require.NoError(t, b.Connect(addr, 7))
	res := waitToken(t, b, 7, 2*time.Second)
	assert.EqualValues(t, -int32(unix.ECONNREFUSED), res)
}

func TestSelectorFeatureSurface(t *testing.T) {
	b := NewSelectorBackend()
	require.NoError(t, b.Initialize(DefaultConfig()))
	defer b.Close()

	f := b.Supports()
	assert.False(t, f.RegisteredBuffers)
	assert.False(t, f.ZeroCopySend)
	assert.False(t, f.Multishot)
	assert.False(t, f.BufferRing)
	assert.False(t, f.Batch)
	assert.False(t, f.TLS)

	require.Error(t, b.SendZeroCopy(make([]byte, 8), 8, 1))
	require.Error(t, b.SubmitMultishotRecv(1))
	require.Error(t, b.InitBufferRing(8, 4096, 0))
	_, err := b.SendBatch(nil, nil, nil)
	require.Error(t, err)
}

func TestSelectorCancelFdDropsPending(t *testing.T) {
	b := NewSelectorBackend()
	require.NoError(t, b.Initialize(DefaultConfig()))
	defer b.Close()

	require.NoError(t, b.Bind("127.0.0.1:0"))
	addr := listenAddr(t, b)
	require.NoError(t, b.Accept(1))

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	connFd := waitToken(t, b, 1, 2*time.Second)
	child, err := b.CreateFromAccepted(int(connFd))
	require.NoError(t, err)
	defer child.Close()

	view := make([]byte, 16)
	require.NoError(t, child.ReceiveInto(view, len(view), 5))
	require.NoError(t, child.CancelFd(child.Fd(), 6))

	sawCancelled := false
	deadline := time.Now().Add(time.Second)
	for !sawCancelled && time.Now().Before(deadline) {
		_, err := b.WaitForCompletion(50, func(tok uint64, res int32, flags uint32) {
			if tok == 5 && res == -int32(unix.ECANCELED) {
				sawCancelled = true
			}
		})
		require.NoError(t, err)
	}
	assert.True(t, sawCancelled, "pending receive reports ECANCELED")
}
