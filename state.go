// Package uringnet is a low-latency TCP transport built on
// io_uring: pre-registered off-heap buffer pools, batched kernel
// submission and a busy-polling server dispatch loop demultiplexing
// completions by 64-bit tokens.
package uringnet

import (
	"sync"
	"sync/atomic"

	"github.com/arpelle/uringnet/internal/logging"
)

// State is a connection lifecycle state.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// validNext holds the transition table. CLOSED is terminal and
// self-transitions are never valid.
var validNext = map[State][]State{
	StateNew:        {StateConnecting, StateClosed},
	StateConnecting: {StateConnected, StateFailed, StateClosing},
	StateConnected:  {StateClosing, StateFailed},
	StateFailed:     {StateConnecting, StateClosed},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

func transitionValid(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener observes transitions. Listener panics are caught and
// logged, never propagated.
type StateListener func(prev, cur State, cause error)

// StateMachine is the thread-safe connection lifecycle: one atomic
// cell advanced by compare-and-set, with listener notification
// outside the CAS loop.
type StateMachine struct {
	state atomic.Int32

	mu        sync.Mutex
	listeners []StateListener
}

// NewStateMachine starts in NEW.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	return State(m.state.Load())
}

// AddListener registers a transition listener.
func (m *StateMachine) AddListener(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// TransitionTo attempts cur -> next. An attempt from a non-matching
// or terminal state fails silently: false return, no side effect, no
// listener notification.
func (m *StateMachine) TransitionTo(next State, cause error) bool {
	for {
		cur := State(m.state.Load())
		if !transitionValid(cur, next) {
			return false
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			m.notify(cur, next, cause)
			return true
		}
	}
}

// ForceState bypasses the transition table for recovery paths.
func (m *StateMachine) ForceState(next State, cause error) {
	prev := State(m.state.Swap(int32(next)))
	if prev != next {
		m.notify(prev, next, cause)
	}
}

// IsActive reports CONNECTED.
func (m *StateMachine) IsActive() bool {
	return m.Current() == StateConnected
}

// IsClosedOrClosing reports CLOSING or CLOSED.
func (m *StateMachine) IsClosedOrClosing() bool {
	s := m.Current()
	return s == StateClosing || s == StateClosed
}

// CanConnect reports NEW or FAILED.
func (m *StateMachine) CanConnect() bool {
	s := m.Current()
	return s == StateNew || s == StateFailed
}

// CanReconnect reports FAILED.
func (m *StateMachine) CanReconnect() bool {
	return m.Current() == StateFailed
}

func (m *StateMachine) notify(prev, cur State, cause error) {
	m.mu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Default().Error("state listener panicked",
						"prev", prev, "cur", cur, "panic", r)
				}
			}()
			l(prev, cur, cause)
		}()
	}
}
