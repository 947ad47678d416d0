package retry

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpelle/uringnet/errs"
)

func TestDelayBackoffWithJitter(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}

	// Jitter is uniform in [-0.2, +0.2]; the bounds hold for every
	// sample.
	for i := 0; i < 64; i++ {
		d0 := p.Delay(0)
		assert.GreaterOrEqual(t, d0, 80*time.Millisecond)
		assert.LessOrEqual(t, d0, 120*time.Millisecond)

		d1 := p.Delay(1)
		assert.GreaterOrEqual(t, d1, 160*time.Millisecond)
		assert.LessOrEqual(t, d1, 240*time.Millisecond)
	}
}

func TestDelayCap(t *testing.T) {
	p := Policy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
	assert.Equal(t, 4*time.Second, p.Delay(5))
}

func TestShouldRetryCategories(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.ShouldRetry(errs.Network, 0))
	assert.True(t, p.ShouldRetry(errs.Transient, 0))
	assert.True(t, p.ShouldRetry(errs.Resource, 0))
	assert.False(t, p.ShouldRetry(errs.Unknown, 0), "unknown is opted out by default")
	assert.False(t, p.ShouldRetry(errs.Protocol, 0), "protocol is never retried")
	assert.False(t, p.ShouldRetry(errs.Fatal, 0), "fatal is never retried")

	// No attempts left.
	assert.False(t, p.ShouldRetry(errs.Network, p.MaxAttempts-1))
}

func TestDoNetworkFailuresThenSuccess(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryNetwork: true,
	}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts <= 2 {
			return errs.NewErrno("CONNECT", syscall.ECONNREFUSED)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "two induced failures then success")
}

func TestDoStopsOnProtocol(t *testing.T) {
	p := DefaultPolicy()
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return errs.New("DEFRAME", errs.Protocol, "invalid frame")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursContext(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		RetryNetwork: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, func() error {
		return errs.NewErrno("CONNECT", syscall.ECONNREFUSED)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextBookkeeping(t *testing.T) {
	rc := NewContext()
	rc.Record(errs.NewErrno("CONNECT", syscall.ECONNRESET))
	rc.Advance(100 * time.Millisecond)
	rc.Record(errs.NewErrno("CONNECT", syscall.ECONNRESET))
	rc.Advance(200 * time.Millisecond)

	assert.Equal(t, 2, rc.Attempts)
	assert.Equal(t, errs.Network, rc.LastCategory)
	assert.Equal(t, 300*time.Millisecond, rc.TotalDelay)
	assert.Equal(t, 200*time.Millisecond, rc.NextDelay)

	rc.Reset()
	assert.Equal(t, 0, rc.Attempts)
	assert.Zero(t, rc.TotalDelay)
}
