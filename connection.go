//go:build linux

package uringnet

import (
	"context"
	"syscall"
	"time"

	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
	"github.com/arpelle/uringnet/retry"
	"github.com/arpelle/uringnet/transport"
)

// ConnectionEvents surfaces establishment outcomes. Callbacks run on
// the thread driving the connection's backend.
type ConnectionEvents struct {
	OnConnected        func(token uint64)
	OnConnectionFailed func(token uint64, cause error)
	OnClosed           func()
}

// Connection couples a backend, a lifecycle state machine and a
// retry policy for the client side of the transport. Higher-level
// facades (futures, framing codecs) layer on top of the raw
// callback-plus-token surface.
type Connection struct {
	backend transport.Backend
	machine *StateMachine
	policy  retry.Policy
	addr    string
	events  ConnectionEvents
	logger  *logging.Logger
}

// NewConnection wraps an initialized backend for dialing addr.
func NewConnection(backend transport.Backend, addr string, policy retry.Policy, events ConnectionEvents) *Connection {
	return &Connection{
		backend: backend,
		machine: NewStateMachine(),
		policy:  policy,
		addr:    addr,
		events:  events,
		logger:  logging.Default().WithComponent("conn"),
	}
}

// StateMachine exposes the lifecycle for listeners and queries.
func (c *Connection) StateMachine() *StateMachine {
	return c.machine
}

// Backend returns the underlying transport backend.
func (c *Connection) Backend() transport.Backend {
	return c.backend
}

// Establish dials with the configured retry policy, blocking until
// connected, retries exhausted or ctx cancelled. Each attempt waits
// up to attemptTimeout for its completion. Failures are classified
// and gate retry per category; PROTOCOL and FATAL abort immediately.
func (c *Connection) Establish(ctx context.Context, token uint64, attemptTimeout time.Duration) error {
	if !c.machine.CanConnect() {
		return errs.New("CONNECT", errs.Protocol,
			"connection not in a connectable state: "+c.machine.Current().String())
	}

	rc := retry.NewContext()
	for {
		if !c.machine.TransitionTo(StateConnecting, nil) {
			return errs.New("CONNECT", errs.Protocol, "lost connect race")
		}

		err := c.attempt(token, attemptTimeout)
		if err == nil {
			c.machine.TransitionTo(StateConnected, nil)
			if c.events.OnConnected != nil {
				c.events.OnConnected(token)
			}
			return nil
		}

		c.machine.TransitionTo(StateFailed, err)
		rc.Record(err)
		if !c.policy.ShouldRetry(rc.LastCategory, rc.Attempts-1) {
			if c.events.OnConnectionFailed != nil {
				c.events.OnConnectionFailed(token, err)
			}
			return err
		}
		delay := c.policy.Delay(rc.Attempts - 1)
		rc.Advance(delay)
		c.logger.Debug("connect failed, retrying",
			"addr", c.addr, "attempt", rc.Attempts, "delay", delay, "category", rc.LastCategory)

		select {
		case <-ctx.Done():
			if c.events.OnConnectionFailed != nil {
				c.events.OnConnectionFailed(token, ctx.Err())
			}
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// attempt runs one connect round trip through the completion path.
func (c *Connection) attempt(token uint64, timeout time.Duration) error {
	if err := c.backend.Connect(c.addr, token); err != nil {
		return err
	}
	if _, err := c.backend.SubmitBatch(); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	var result int32
	seen := false
	for !seen {
		remaining := time.Until(deadline).Milliseconds()
		if remaining <= 0 {
			return errs.New("CONNECT", errs.Transient, "connect attempt timed out")
		}
		_, err := c.backend.WaitForCompletion(remaining, func(t uint64, res int32, flags uint32) {
			if t == token {
				result = res
				seen = true
			}
		})
		if err != nil {
			return err
		}
	}
	if result < 0 {
		return errs.NewErrno("CONNECT", errnoOf(result))
	}
	return nil
}

// errnoOf recovers the errno from a negated completion result.
func errnoOf(res int32) syscall.Errno {
	return syscall.Errno(-res)
}

// Close moves the connection to CLOSED and tears down the backend.
func (c *Connection) Close() error {
	cur := c.machine.Current()
	switch cur {
	case StateNew, StateFailed:
		c.machine.TransitionTo(StateClosed, nil)
	case StateConnecting, StateConnected:
		c.machine.TransitionTo(StateClosing, nil)
		c.machine.TransitionTo(StateClosed, nil)
	}
	err := c.backend.Close()
	if c.events.OnClosed != nil {
		c.events.OnClosed()
	}
	return err
}
