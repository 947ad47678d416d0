//go:build linux

package uringnet

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/internal/logging"
	"github.com/arpelle/uringnet/transport"
)

// Handler receives connection events from the dispatch loop. All
// callbacks run on the loop thread and must not block.
//
// OnDataReceived buffer ownership: the handler either chains a send
// of the same buffer via conn.Send (ownership moves to the write
// path and the buffer is released on write completion), or treats
// the buffer as borrowed for the duration of the call, after which
// the loop releases it.
type Handler interface {
	OnConnect(conn *Conn)
	OnDataReceived(conn *Conn, buf *buffer.Buffer, length int)
	OnDisconnect(conn *Conn)
}

// Server is the single-threaded busy-polling dispatch loop: it owns
// the ring backend, re-arms accept, demultiplexes completions by
// token and recycles buffers.
type Server struct {
	cfg     ServerConfig
	handler Handler
	backend transport.Backend
	pool    *buffer.Pool
	coord   *ShutdownCoordinator
	metrics *Metrics
	obs     Observer
	logger  *logging.Logger

	conns      map[uint32]*Conn
	nextConnID uint32
	registered bool

	running atomic.Bool
}

// NewServer builds a server; Run does the kernel-facing setup.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.New("SERVER", errs.Protocol, "handler must not be nil")
	}
	m := NewMetrics()
	return &Server{
		cfg:     cfg,
		handler: handler,
		coord:   NewShutdownCoordinator(),
		metrics: m,
		obs:     NewMetricsObserver(m),
		logger:  logging.Default().WithComponent("server"),
		conns:   make(map[uint32]*Conn),
	}, nil
}

// Metrics returns the loop metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Coordinator exposes the shutdown coordinator, e.g. to register
// phase listeners.
func (s *Server) Coordinator() *ShutdownCoordinator {
	return s.coord
}

// Backend returns the root transport backend.
func (s *Server) Backend() transport.Backend {
	return s.backend
}

// newBackend constructs the configured backend variant.
func (s *Server) newBackend() transport.Backend {
	if s.cfg.Backend == transport.BackendSelector {
		return transport.NewSelectorBackend()
	}
	return transport.NewUringBackend()
}

// Run initializes the backend, binds, arms the accept and spins
// until ctx is cancelled. It must be called from one goroutine; the
// loop thread is locked to the OS thread and optionally pinned.
func (s *Server) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return errs.New("SERVER", errs.Protocol, "server already running")
	}

	// One thread owns the ring, submits, reaps and runs handlers.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.pinThread()

	pool, err := buffer.NewPool(s.cfg.NumBuffers, s.cfg.BufferSize)
	if err != nil {
		return err
	}
	s.pool = pool

	s.backend = s.newBackend()
	if err := s.backend.Initialize(s.cfg.backendConfig()); err != nil {
		_ = pool.Close()
		return err
	}
	if s.cfg.Backend == transport.BackendIOUring {
		if err := s.backend.RegisterBufferPool(pool); err != nil {
			s.logger.Warn("buffer registration unavailable, falling back to plain sends", "error", err)
		} else {
			s.registered = true
		}
	}
	if err := s.backend.Bind(s.cfg.Addr()); err != nil {
		_ = s.backend.Close()
		_ = pool.Close()
		return err
	}
	if err := s.backend.Accept(transport.TokenAccept); err != nil {
		_ = s.backend.Close()
		_ = pool.Close()
		return err
	}
	if _, err := s.backend.SubmitBatch(); err != nil {
		_ = s.backend.Close()
		_ = pool.Close()
		return err
	}

	s.logger.Info("server running",
		"addr", s.cfg.Addr(),
		"backend", s.cfg.Backend.String(),
		"buffers", s.cfg.NumBuffers,
		"buffer_size", s.cfg.BufferSize)

	s.loop(ctx)

	s.shutdown()
	return nil
}

// pinThread applies the configured CPU affinity to the loop thread.
func (s *Server) pinThread() {
	if s.cfg.CPUAffinity < 0 {
		return
	}
	var mask unix.CPUSet
	mask.Set(s.cfg.CPUAffinity)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		s.logger.Warn("failed to pin loop thread", "cpu", s.cfg.CPUAffinity, "error", err)
		return
	}
	s.logger.Debug("loop thread pinned", "cpu", s.cfg.CPUAffinity)
}

// loop is the hot path: drain completions, flush submissions, spin
// when idle.
func (s *Server) loop(ctx context.Context) {
	done := ctx.Done()
	spins := 0
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := s.backend.Poll(s.dispatch)
		if err != nil {
			s.logger.Error("poll failed", "error", err)
			return
		}
		if n > 0 {
			s.metrics.CompletionsDrained.Add(uint64(n))
			if _, err := s.backend.SubmitBatch(); err != nil {
				s.logger.Error("submit failed", "error", err)
				return
			}
			spins = 0
			continue
		}

		// Busy-spin while hot; after 1024 consecutive idle passes each
		// further idle pass calls runtime.Gosched. No CPU-relax
		// instruction is issued.
		spins++
		s.metrics.IdleSpins.Add(1)
		if spins > 1024 {
			runtime.Gosched()
		}
	}
}

// dispatch demultiplexes one completion by its token.
func (s *Server) dispatch(token uint64, result int32, flags uint32) {
	if token == transport.TokenAccept {
		s.handleAccept(result)
		return
	}
	op, connID, reqID := transport.SplitToken(token)
	conn, ok := s.conns[connID]
	if !ok {
		// Residual completion after teardown; cancelled multishot
		// operations drain this way and are ignored.
		return
	}
	switch op {
	case transport.OpRecv:
		s.handleRead(conn, result)
	case transport.OpSend:
		s.handleWrite(conn, reqID, result)
	case transport.OpClose, transport.OpCancel:
		// teardown bookkeeping only
	default:
		s.logger.Warn("completion with unknown op", "op", op, "conn", connID)
	}
}

// handleAccept registers the new connection and re-arms the accept.
func (s *Server) handleAccept(result int32) {
	if result < 0 {
		s.logger.Warn("accept failed", "result", result)
		s.rearmAccept()
		return
	}
	fd := int(result)

	child, err := s.backend.CreateFromAccepted(fd)
	if err != nil {
		s.logger.Error("wrapping accepted fd failed", "fd", fd, "error", err)
		_ = unix.Close(fd)
		s.rearmAccept()
		return
	}

	s.nextConnID++
	if s.nextConnID == 0 {
		s.nextConnID = 1 // id 0 belongs to the accept token
	}
	conn := &Conn{
		id:            s.nextConnID,
		fd:            fd,
		backend:       child,
		server:        s,
		machine:       NewStateMachine(),
		pendingWrites: make([]*buffer.Buffer, s.cfg.PendingWrites),
		writeMask:     uint16(s.cfg.PendingWrites - 1),
	}
	conn.machine.TransitionTo(StateConnecting, nil)
	conn.machine.TransitionTo(StateConnected, nil)
	s.conns[conn.id] = conn
	s.obs.ObserveAccept()

	s.handler.OnConnect(conn)
	s.armRead(conn)
	s.rearmAccept()
}

func (s *Server) rearmAccept() {
	if err := s.backend.Accept(transport.TokenAccept); err != nil {
		s.logger.Error("re-arming accept failed", "error", err)
	}
}

// armRead acquires a buffer and posts the next receive.
func (s *Server) armRead(conn *Conn) {
	buf, err := s.pool.Acquire()
	if err != nil || buf == nil {
		s.logger.Warn("no buffer for read, closing connection", "conn", conn.id)
		s.closeConn(conn, errs.New("RECV", errs.Resource, "pool exhausted"))
		return
	}
	conn.readBuf = buf
	token := transport.MakeToken(transport.OpRecv, conn.id, conn.nextReq())
	if err := conn.backend.Receive(buf, buf.Capacity(), token); err != nil {
		s.pool.Release(buf)
		conn.readBuf = nil
		s.closeConn(conn, err)
	}
}

// handleRead runs the user handler and settles buffer ownership.
func (s *Server) handleRead(conn *Conn, result int32) {
	buf := conn.readBuf
	if result <= 0 {
		// -1 is the peer-closed marker; anything lower is an errno.
		s.obs.ObserveRecv(0, false)
		s.closeConn(conn, nil)
		return
	}
	s.obs.ObserveRecv(int(result), true)

	buf.SetLength(int(result))
	// Detach the buffer for the callback: a Close inside the handler
	// must not release what the loop still owns.
	conn.readBuf = nil
	conn.activeRead = buf
	conn.transferred = nil
	s.handler.OnDataReceived(conn, buf, int(result))

	if conn.transferred != buf {
		// Borrowed for the duration of the call only.
		s.pool.Release(buf)
	}
	conn.activeRead = nil
	conn.transferred = nil

	if !conn.machine.IsClosedOrClosing() {
		s.armRead(conn)
	}
}

// handleWrite recycles the stamped buffer for a completed send.
func (s *Server) handleWrite(conn *Conn, reqID uint16, result int32) {
	slot := reqID & conn.writeMask
	buf := conn.pendingWrites[slot]
	conn.pendingWrites[slot] = nil
	if buf != nil {
		s.pool.Release(buf)
	}
	if result < 0 {
		s.obs.ObserveSend(0, false)
		s.closeConn(conn, nil)
		return
	}
	s.obs.ObserveSend(int(result), true)
}

// closeConn tears one connection down and notifies the handler.
func (s *Server) closeConn(conn *Conn, cause error) {
	if !conn.machine.TransitionTo(StateClosing, cause) {
		return // already closing or closed
	}
	delete(s.conns, conn.id)
	conn.releaseAll(s.pool)
	_ = conn.backend.Close()
	conn.machine.TransitionTo(StateClosed, cause)
	s.obs.ObserveDisconnect()
	s.handler.OnDisconnect(conn)
}

// shutdown drains and releases in the safe order: connections (and
// their in-flight kernel references) first, the backend ring next,
// the pool arena last.
func (s *Server) shutdown() {
	s.metrics.Stop()
	s.coord.Shutdown(100*time.Millisecond,
		func() {
			for _, conn := range s.conns {
				s.closeConn(conn, nil)
			}
			_ = s.backend.Close()
		},
		func() {
			if leaked := s.pool.LeakCheck(); len(leaked) > 0 {
				s.logger.Warn("buffers still in use at shutdown", "indices", leaked)
			}
			_ = s.pool.Close()
		},
	)
	s.running.Store(false)
	s.logger.Info("server stopped")
}

// Shutdown waits up to timeout for the loop to terminate and reports
// whether it did. It does not stop the loop itself: the loop exits
// when the context passed to Run is cancelled.
func (s *Server) Shutdown(timeout time.Duration) bool {
	return s.coord.AwaitTermination(timeout)
}
