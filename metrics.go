package uringnet

import (
	"sync/atomic"
	"time"
)

// Metrics tracks dispatch-loop statistics. All counters are atomics;
// the loop thread writes, any thread may snapshot.
type Metrics struct {
	AcceptedConns atomic.Uint64
	ActiveConns   atomic.Int64

	RecvOps  atomic.Uint64
	SendOps  atomic.Uint64
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64

	RecvErrors atomic.Uint64
	SendErrors atomic.Uint64

	CompletionsDrained atomic.Uint64
	IdleSpins          atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics stamps the start time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop stamps the stop time.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy with derived rates.
type MetricsSnapshot struct {
	AcceptedConns uint64
	ActiveConns   int64

	RecvOps  uint64
	SendOps  uint64
	BytesIn  uint64
	BytesOut uint64

	RecvErrors uint64
	SendErrors uint64

	CompletionsDrained uint64
	IdleSpins          uint64

	UptimeNs     uint64
	RecvPerSec   float64
	SendPerSec   float64
	InBytesRate  float64
	OutBytesRate float64
}

// Snapshot copies the counters and computes rates over the uptime.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AcceptedConns:      m.AcceptedConns.Load(),
		ActiveConns:        m.ActiveConns.Load(),
		RecvOps:            m.RecvOps.Load(),
		SendOps:            m.SendOps.Load(),
		BytesIn:            m.BytesIn.Load(),
		BytesOut:           m.BytesOut.Load(),
		RecvErrors:         m.RecvErrors.Load(),
		SendErrors:         m.SendErrors.Load(),
		CompletionsDrained: m.CompletionsDrained.Load(),
		IdleSpins:          m.IdleSpins.Load(),
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.RecvPerSec = float64(snap.RecvOps) / secs
		snap.SendPerSec = float64(snap.SendOps) / secs
		snap.InBytesRate = float64(snap.BytesIn) / secs
		snap.OutBytesRate = float64(snap.BytesOut) / secs
	}
	return snap
}

// Reset zeroes the counters. Useful for tests.
func (m *Metrics) Reset() {
	m.AcceptedConns.Store(0)
	m.ActiveConns.Store(0)
	m.RecvOps.Store(0)
	m.SendOps.Store(0)
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.RecvErrors.Store(0)
	m.SendErrors.Store(0)
	m.CompletionsDrained.Store(0)
	m.IdleSpins.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection from the loop.
type Observer interface {
	ObserveAccept()
	ObserveRecv(bytes int, success bool)
	ObserveSend(bytes int, success bool)
	ObserveDisconnect()
}

// NoOpObserver ignores every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAccept()        {}
func (NoOpObserver) ObserveRecv(int, bool) {}
func (NoOpObserver) ObserveSend(int, bool) {}
func (NoOpObserver) ObserveDisconnect()    {}

// MetricsObserver records observations into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAccept() {
	o.metrics.AcceptedConns.Add(1)
	o.metrics.ActiveConns.Add(1)
}

func (o *MetricsObserver) ObserveRecv(bytes int, success bool) {
	o.metrics.RecvOps.Add(1)
	if success {
		o.metrics.BytesIn.Add(uint64(bytes))
	} else {
		o.metrics.RecvErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveSend(bytes int, success bool) {
	o.metrics.SendOps.Add(1)
	if success {
		o.metrics.BytesOut.Add(uint64(bytes))
	} else {
		o.metrics.SendErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveDisconnect() {
	o.metrics.ActiveConns.Add(-1)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
