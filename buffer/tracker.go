//go:build linux

package buffer

import "sync/atomic"

// The allocation tracker is process-wide: it observes every pool in
// the process so leak hunts can run across components. It is off by
// default and carries no hot-path cost beyond one atomic load.
var tracker struct {
	enabled atomic.Bool

	poolsAllocated atomic.Int64
	bytesMapped    atomic.Int64
	acquires       atomic.Int64
	releases       atomic.Int64
	outstanding    atomic.Int64
	bytesInUse     atomic.Int64
}

// TrackerSnapshot is a point-in-time view of process-wide buffer
// accounting.
type TrackerSnapshot struct {
	PoolsAllocated int64
	BytesMapped    int64
	Acquires       int64
	Releases       int64
	Outstanding    int64
	BytesInUse     int64
}

// EnableTracking turns the process-wide tracker on.
func EnableTracking() {
	tracker.enabled.Store(true)
}

// DisableTracking turns the tracker off; counters keep their values.
func DisableTracking() {
	tracker.enabled.Store(false)
}

// ResetTracking zeroes all counters. Intended for tests.
func ResetTracking() {
	tracker.poolsAllocated.Store(0)
	tracker.bytesMapped.Store(0)
	tracker.acquires.Store(0)
	tracker.releases.Store(0)
	tracker.outstanding.Store(0)
	tracker.bytesInUse.Store(0)
}

// TrackerState returns the current counters.
func TrackerState() TrackerSnapshot {
	return TrackerSnapshot{
		PoolsAllocated: tracker.poolsAllocated.Load(),
		BytesMapped:    tracker.bytesMapped.Load(),
		Acquires:       tracker.acquires.Load(),
		Releases:       tracker.releases.Load(),
		Outstanding:    tracker.outstanding.Load(),
		BytesInUse:     tracker.bytesInUse.Load(),
	}
}

func trackerAlloc(count, bufSize int) {
	if !tracker.enabled.Load() {
		return
	}
	tracker.poolsAllocated.Add(1)
	tracker.bytesMapped.Add(int64(count) * int64(bufSize))
}

func trackerFree(count, bufSize int) {
	if !tracker.enabled.Load() {
		return
	}
	tracker.poolsAllocated.Add(-1)
	tracker.bytesMapped.Add(-int64(count) * int64(bufSize))
}

func trackerAcquire(bufSize int) {
	if !tracker.enabled.Load() {
		return
	}
	tracker.acquires.Add(1)
	tracker.outstanding.Add(1)
	tracker.bytesInUse.Add(int64(bufSize))
}

func trackerRelease(bufSize int) {
	if !tracker.enabled.Load() {
		return
	}
	tracker.releases.Add(1)
	tracker.outstanding.Add(-1)
	tracker.bytesInUse.Add(-int64(bufSize))
}
