package uringnet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StateNew, m.Current())
	assert.True(t, m.CanConnect())

	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateConnected, nil))
	assert.True(t, m.IsActive())

	require.True(t, m.TransitionTo(StateClosing, nil))
	assert.True(t, m.IsClosedOrClosing())
	require.True(t, m.TransitionTo(StateClosed, nil))
	assert.Equal(t, StateClosed, m.Current())
}

func TestStateMachineIllegalTransitionFromClosed(t *testing.T) {
	m := NewStateMachine()
	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateClosing, nil))
	require.True(t, m.TransitionTo(StateClosed, nil))

	notified := false
	m.AddListener(func(prev, cur State, cause error) {
		notified = true
	})

	ok := m.TransitionTo(StateConnecting, nil)
	assert.False(t, ok, "transition from CLOSED must return the false signal")
	assert.False(t, notified, "listeners must not fire on an illegal transition")
	assert.Equal(t, StateClosed, m.Current(), "state must remain CLOSED")
}

func TestStateMachineSelfTransitionInvalid(t *testing.T) {
	m := NewStateMachine()
	require.True(t, m.TransitionTo(StateConnecting, nil))
	assert.False(t, m.TransitionTo(StateConnecting, nil))
}

func TestStateMachineFailedRecovery(t *testing.T) {
	m := NewStateMachine()
	cause := errors.New("connection refused")

	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateFailed, cause))
	assert.True(t, m.CanReconnect())
	assert.True(t, m.CanConnect())

	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateConnected, nil))
}

func TestStateMachineListenerReceivesTransition(t *testing.T) {
	m := NewStateMachine()
	var gotPrev, gotCur State
	var gotCause error
	m.AddListener(func(prev, cur State, cause error) {
		gotPrev, gotCur, gotCause = prev, cur, cause
	})

	cause := errors.New("reset")
	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateFailed, cause))

	assert.Equal(t, StateConnecting, gotPrev)
	assert.Equal(t, StateFailed, gotCur)
	assert.Equal(t, cause, gotCause)
}

func TestStateMachineListenerPanicContained(t *testing.T) {
	m := NewStateMachine()
	m.AddListener(func(prev, cur State, cause error) {
		panic("listener bug")
	})
	fired := false
	m.AddListener(func(prev, cur State, cause error) {
		fired = true
	})

	assert.NotPanics(t, func() {
		require.True(t, m.TransitionTo(StateConnecting, nil))
	})
	assert.True(t, fired, "later listeners still run after a panic")
}

func TestStateMachineForceState(t *testing.T) {
	m := NewStateMachine()
	require.True(t, m.TransitionTo(StateConnecting, nil))
	require.True(t, m.TransitionTo(StateConnected, nil))

	m.ForceState(StateNew, nil)
	assert.Equal(t, StateNew, m.Current())
}

func TestStateMachineInvalidFromNew(t *testing.T) {
	m := NewStateMachine()
	assert.False(t, m.TransitionTo(StateConnected, nil), "NEW cannot jump to CONNECTED")
	assert.False(t, m.TransitionTo(StateFailed, nil))
	assert.True(t, m.TransitionTo(StateClosed, nil), "NEW may close directly")
}
