//go:build linux

package buffer

import (
	"sync"
	"time"
)

// TimedPool layers bounded waiting and acquisition-latency tracking
// over the lock-free Pool. Waiters park on a condition variable and
// are signalled by ReleaseAndSignal; a timer broadcast bounds every
// wait.
type TimedPool struct {
	core *Pool

	mu   sync.Mutex
	cond *sync.Cond

	total      uint64
	successful uint64
	failed     uint64
	totalWait  time.Duration
	maxWait    time.Duration
}

// TimedPoolMetrics is a point-in-time snapshot of acquisition
// behaviour.
type TimedPoolMetrics struct {
	Total       uint64
	Successful  uint64
	Failed      uint64
	AvgWaitNs   int64
	MaxWaitNs   int64
	Available   int
	Capacity    int
	SuccessRate float64
	Utilization float64
}

// NewTimedPool wraps core with timed acquisition.
func NewTimedPool(core *Pool) *TimedPool {
	t := &TimedPool{core: core}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// TryAcquire polls the core pool without waiting.
func (t *TimedPool) TryAcquire() (*Buffer, error) {
	b, err := t.core.Acquire()
	t.record(0, b != nil && err == nil)
	return b, err
}

// AcquireTimeout waits up to d for a buffer; nil is returned on
// expiry. The wait time of every call feeds the metrics snapshot.
func (t *TimedPool) AcquireTimeout(d time.Duration) (*Buffer, error) {
	start := time.Now()
	deadline := start.Add(d)

	for {
		b, err := t.core.Acquire()
		if err != nil {
			t.record(time.Since(start), false)
			return nil, err
		}
		if b != nil {
			t.record(time.Since(start), true)
			return b, nil
		}
		if !t.waitUntil(deadline) {
			t.record(time.Since(start), false)
			return nil, nil
		}
	}
}

// AwaitAvailable waits up to d for the pool to report a free buffer
// without acquiring one. Predicate-only: a racing acquirer may still
// win the buffer.
func (t *TimedPool) AwaitAvailable(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for t.core.Available() == 0 {
		if !t.waitUntil(deadline) {
			return t.core.Available() > 0
		}
	}
	return true
}

// maxWaitSlice bounds one parked interval so a signal lost between
// the poll and the wait costs at most one slice, not the whole
// deadline.
const maxWaitSlice = 10 * time.Millisecond

// waitUntil parks the caller until signalled or the deadline
// passes. Returns false once the deadline is reached.
func (t *TimedPool) waitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	if remaining > maxWaitSlice {
		remaining = maxWaitSlice
	}
	t.mu.Lock()
	timer := time.AfterFunc(remaining, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	t.cond.Wait()
	t.mu.Unlock()
	timer.Stop()
	return time.Now().Before(deadline)
}

// ReleaseAndSignal returns the buffer to the core pool and wakes one
// waiter.
func (t *TimedPool) ReleaseAndSignal(b *Buffer) {
	t.core.Release(b)
	t.mu.Lock()
	t.cond.Signal()
	t.mu.Unlock()
}

func (t *TimedPool) record(wait time.Duration, ok bool) {
	t.mu.Lock()
	t.total++
	if ok {
		t.successful++
	} else {
		t.failed++
	}
	t.totalWait += wait
	if wait > t.maxWait {
		t.maxWait = wait
	}
	t.mu.Unlock()
}

// Metrics returns the acquisition snapshot.
func (t *TimedPool) Metrics() TimedPoolMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := TimedPoolMetrics{
		Total:      t.total,
		Successful: t.successful,
		Failed:     t.failed,
		MaxWaitNs:  t.maxWait.Nanoseconds(),
		Available:  t.core.Available(),
		Capacity:   t.core.Capacity(),
	}
	if t.total > 0 {
		m.AvgWaitNs = t.totalWait.Nanoseconds() / int64(t.total)
		m.SuccessRate = float64(t.successful) / float64(t.total)
	}
	if m.Capacity > 0 {
		m.Utilization = float64(t.core.InUse()) / float64(m.Capacity)
	}
	return m
}
