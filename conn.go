//go:build linux

package uringnet

import (
	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/transport"
)

// Conn is one accepted connection inside the dispatch loop. The loop
// owns the connection table keyed by compact id; a Conn holds that
// id, its fd-owning child backend, its lifecycle state and a
// back-pointer to its Server, so loop and connection reference each
// other.
type Conn struct {
	id      uint32
	fd      int
	backend transport.Backend
	server  *Server
	machine *StateMachine

	// readBuf is the single outstanding receive buffer. While the
	// handler callback runs, the loop detaches it into activeRead so
	// a teardown inside the callback cannot release it twice.
	readBuf    *buffer.Buffer
	activeRead *buffer.Buffer

	// pendingWrites recycles write buffers on completion, indexed by
	// request id & mask. Power-of-two sized.
	pendingWrites []*buffer.Buffer
	writeMask     uint16

	reqSeq uint16

	// transferred marks the handler taking ownership of the read
	// buffer by chaining a send during the callback.
	transferred *buffer.Buffer
}

// ID returns the compact connection id embedded in tokens.
func (c *Conn) ID() uint32 {
	return c.id
}

// Fd returns the connection's socket.
func (c *Conn) Fd() int {
	return c.fd
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	return c.machine.Current()
}

// nextReq advances the per-connection request sequence.
func (c *Conn) nextReq() uint16 {
	c.reqSeq++
	return c.reqSeq
}

// Send queues a send of buf[:n] on this connection. Ownership of the
// buffer moves to the write path; the loop releases it when the
// write completion arrives. Handlers echoing a received buffer call
// this and must not touch the buffer afterwards.
func (c *Conn) Send(buf *buffer.Buffer, n int) error {
	if c.machine.IsClosedOrClosing() {
		return errs.New("SEND", errs.Network, "connection closing")
	}
	req := c.nextReq()
	slot := req & c.writeMask
	if c.pendingWrites[slot] != nil {
		return errs.New("SEND", errs.Resource, "pending write table full")
	}
	token := transport.MakeToken(transport.OpSend, c.id, req)
	var err error
	if c.server.registered {
		err = c.backend.SendRegistered(buf, n, token)
	} else {
		err = c.backend.Send(buf.Bytes(), n, token)
	}
	if err != nil {
		return err
	}
	c.pendingWrites[slot] = buf
	if buf == c.activeRead {
		c.transferred = buf
	}
	return nil
}

// Close begins teardown; the loop finishes it when the state
// machine reaches CLOSED.
func (c *Conn) Close() {
	c.server.closeConn(c, nil)
}

// releaseAll returns every buffer the connection still owns.
func (c *Conn) releaseAll(pool *buffer.Pool) {
	if c.readBuf != nil {
		pool.Release(c.readBuf)
		c.readBuf = nil
	}
	for i, b := range c.pendingWrites {
		if b != nil {
			pool.Release(b)
			c.pendingWrites[i] = nil
		}
	}
}
