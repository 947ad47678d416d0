// Package retry implements category-aware retry with exponential
// backoff and jitter.
package retry

import (
	"context"
	"time"

	"github.com/bytedance/gopkg/lang/fastrand"

	"github.com/arpelle/uringnet/errs"
)

// Policy decides whether and when a failed operation is retried.
// PROTOCOL and FATAL errors are never retried regardless of the
// per-category flags.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64       // uniform in [-Jitter, +Jitter], 0.0-1.0
	TotalCap     time.Duration // optional cap on cumulative delay, 0 = none

	RetryTransient bool
	RetryNetwork   bool
	RetryResource  bool
	RetryUnknown   bool
}

// DefaultPolicy mirrors the connection-establishment defaults: five
// attempts, 100ms initial delay doubling to a 30s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryTransient: true,
		RetryNetwork:   true,
		RetryResource:  true,
		RetryUnknown:   false,
	}
}

// ShouldRetry reports whether another attempt is allowed for the
// given category after attempt n (0-based count of failures so far).
func (p Policy) ShouldRetry(c errs.Category, attempt int) bool {
	if attempt >= p.MaxAttempts-1 {
		return false
	}
	if !c.Retriable() {
		return false
	}
	switch c {
	case errs.Transient:
		return p.RetryTransient
	case errs.Network:
		return p.RetryNetwork
	case errs.Resource:
		return p.RetryResource
	case errs.Unknown:
		return p.RetryUnknown
	}
	return false
}

// Delay computes the backoff before retry number n (0-based):
// min(initial * multiplier^n, max) * (1 +/- jitter).
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		// fastrand avoids the global rand lock on the reconnect path.
		f := 1 + p.Jitter*(2*fastrand.Float64()-1)
		d *= f
	}
	return time.Duration(d)
}

// Context tracks the state of one retry sequence.
type Context struct {
	Attempts     int
	StartTime    time.Time
	LastError    error
	LastCategory errs.Category
	TotalDelay   time.Duration
	NextDelay    time.Duration
}

// NewContext starts a fresh retry sequence.
func NewContext() *Context {
	return &Context{StartTime: time.Now()}
}

// Record notes a failed attempt and its classification.
func (c *Context) Record(err error) {
	c.Attempts++
	c.LastError = err
	c.LastCategory = errs.Classify(err)
}

// Advance accounts for the delay chosen before the next attempt.
func (c *Context) Advance(d time.Duration) {
	c.TotalDelay += d
	c.NextDelay = d
}

// Reset restarts the sequence.
func (c *Context) Reset() {
	*c = Context{StartTime: time.Now()}
}

// Do runs fn until it succeeds, the policy gives up, or ctx is
// cancelled. It returns the last error on failure.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	rc := NewContext()
	for {
		err := fn()
		if err == nil {
			return nil
		}
		rc.Record(err)
		if !p.ShouldRetry(rc.LastCategory, rc.Attempts-1) {
			return err
		}
		d := p.Delay(rc.Attempts - 1)
		if p.TotalCap > 0 && rc.TotalDelay+d > p.TotalCap {
			return err
		}
		rc.Advance(d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
