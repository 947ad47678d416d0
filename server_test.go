//go:build linux

package uringnet

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/transport"
)

// echoTestHandler echoes every read back on the same buffer.
type echoTestHandler struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	received    atomic.Int64
}

func (h *echoTestHandler) OnConnect(conn *Conn) {
	h.connects.Add(1)
}

func (h *echoTestHandler) OnDataReceived(conn *Conn, buf *buffer.Buffer, length int) {
	h.received.Add(int64(length))
	if err := conn.Send(buf, length); err != nil {
		conn.Close()
	}
}

func (h *echoTestHandler) OnDisconnect(conn *Conn) {
	h.disconnects.Add(1)
}

// runEchoServer starts a server and returns once it accepts dials.
func runEchoServer(t *testing.T, cfg ServerConfig, h Handler) (addr string, stop func()) {
	t.Helper()
	srv, err := NewServer(cfg, h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	addr = cfg.Addr()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, derr := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if derr == nil {
			c.Close()
			break
		}
		select {
		case rerr := <-errCh:
			cancel()
			t.Skipf("server could not start: %v", rerr)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return addr, func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	}
}

func echoRoundTrip(t *testing.T, addr string) {
	t.Helper()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	// Four-byte payload, decoded back after the echo.
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 12345678)
	_, err = client.Write(payload)
	require.NoError(t, err)

	echo := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(echo)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.EqualValues(t, 12345678, binary.BigEndian.Uint32(echo))
}

func TestServerEchoSelectorBackend(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 29481
	cfg.Backend = transport.BackendSelector
	cfg.NumBuffers = 16
	cfg.BufferSize = 1024

	h := &echoTestHandler{}
	addr, stop := runEchoServer(t, cfg, h)
	echoRoundTrip(t, addr)
	stop()

	assert.GreaterOrEqual(t, h.connects.Load(), int32(1))
	assert.GreaterOrEqual(t, h.received.Load(), int64(4))
}

func TestServerEchoUringBackend(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 29482
	cfg.Backend = transport.BackendIOUring
	cfg.NumBuffers = 16
	cfg.BufferSize = 1024

	h := &echoTestHandler{}
	addr, stop := runEchoServer(t, cfg, h)
	echoRoundTrip(t, addr)
	echoRoundTrip(t, addr) // second connection through the re-armed accept
	stop()

	assert.GreaterOrEqual(t, h.connects.Load(), int32(2))
}

func TestServerMetricsAfterEcho(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 29483
	cfg.Backend = transport.BackendSelector
	cfg.NumBuffers = 16
	cfg.BufferSize = 1024

	h := &echoTestHandler{}
	srv, err := NewServer(cfg, h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var client net.Conn
	for {
		client, err = net.DialTimeout("tcp", cfg.Addr(), 100*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Skip("server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = client.Write([]byte("stat"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(echo)
	require.NoError(t, err)
	client.Close()

	cancel()
	<-errCh

	snap := srv.Metrics().Snapshot()
	assert.GreaterOrEqual(t, snap.AcceptedConns, uint64(1))
	assert.GreaterOrEqual(t, snap.BytesIn, uint64(4))
	assert.GreaterOrEqual(t, snap.BytesOut, uint64(4))
	assert.Equal(t, PhaseTerminated, srv.Coordinator().Phase())
}
