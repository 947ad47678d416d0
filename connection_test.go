//go:build linux

package uringnet

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/retry"
	"github.com/arpelle/uringnet/transport"
)

// closedLoopbackAddr reserves an ephemeral port and closes it so a
// dial gets a deterministic refusal.
func closedLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func TestConnectionEstablishRefusedExhaustsRetries(t *testing.T) {
	backend := transport.NewSelectorBackend()
	require.NoError(t, backend.Initialize(transport.DefaultConfig()))

	policy := retry.Policy{
		MaxAttempts:  2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		RetryNetwork: true,
	}

	var failedToken uint64
	failed := false
	conn := NewConnection(backend, closedLoopbackAddr(t), policy, ConnectionEvents{
		OnConnectionFailed: func(token uint64, cause error) {
			failedToken = token
			failed = true
		},
	})

	err := conn.Establish(context.Background(), 42, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.Network, errs.Classify(err))
	assert.True(t, failed)
	assert.EqualValues(t, 42, failedToken)
	assert.Equal(t, StateFailed, conn.StateMachine().Current())
	assert.True(t, conn.StateMachine().CanReconnect())

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.StateMachine().Current())
}

func TestConnectionEstablishSucceeds(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, aerr := l.Accept()
			if aerr != nil {
				return
			}
			defer c.Close()
		}
	}()

	backend := transport.NewSelectorBackend()
	require.NoError(t, backend.Initialize(transport.DefaultConfig()))

	connected := false
	conn := NewConnection(backend, l.Addr().String(), retry.DefaultPolicy(), ConnectionEvents{
		OnConnected: func(token uint64) { connected = true },
	})

	require.NoError(t, conn.Establish(context.Background(), 7, 2*time.Second))
	assert.True(t, connected)
	assert.True(t, conn.StateMachine().IsActive())
	require.NoError(t, conn.Close())
}

func TestConnectionEstablishFromClosedState(t *testing.T) {
	backend := transport.NewSelectorBackend()
	require.NoError(t, backend.Initialize(transport.DefaultConfig()))

	conn := NewConnection(backend, "127.0.0.1:1", retry.DefaultPolicy(), ConnectionEvents{})
	require.NoError(t, conn.Close())

	err := conn.Establish(context.Background(), 1, time.Second)
	require.Error(t, err)
	assert.True(t, errs.IsCategory(err, errs.Protocol))
}

func TestErrnoOf(t *testing.T) {
	assert.Equal(t, unix.ECONNREFUSED, errnoOf(-int32(unix.ECONNREFUSED)))
}
