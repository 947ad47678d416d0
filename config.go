package uringnet

import (
	"fmt"

	"github.com/arpelle/uringnet/errs"
	"github.com/arpelle/uringnet/transport"
)

// ServerConfig configures the dispatch loop and its backend.
type ServerConfig struct {
	Host       string
	Port       int
	NumBuffers int // pool capacity, power of two
	BufferSize int // per-buffer bytes, rounded up to 4KiB

	Backend transport.BackendType

	// CPUAffinity pins the dispatch loop thread; -1 leaves it
	// unpinned.
	CPUAffinity int

	SQPollEnabled     bool
	SQPollCPUAffinity int // -1 = unset
	SQPollIdleMicros  uint32

	// QueueDepth is the ring submission queue depth.
	QueueDepth uint32

	// PendingWrites sizes the per-connection write-recycling table;
	// must be a power of two.
	PendingWrites int
}

// DefaultServerConfig returns the stock configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8080,
		NumBuffers:        1024,
		BufferSize:        4096,
		Backend:           transport.BackendIOUring,
		CPUAffinity:       -1,
		SQPollEnabled:     false,
		SQPollCPUAffinity: -1,
		SQPollIdleMicros:  2000,
		QueueDepth:        256,
		PendingWrites:     4096,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errs.New("CONFIG", errs.Protocol, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.NumBuffers <= 0 || c.NumBuffers&(c.NumBuffers-1) != 0 {
		return errs.New("CONFIG", errs.Protocol,
			fmt.Sprintf("num_buffers must be a power of two, got %d", c.NumBuffers))
	}
	if c.BufferSize <= 0 {
		return errs.New("CONFIG", errs.Protocol, "buffer_size must be positive")
	}
	if c.PendingWrites <= 0 || c.PendingWrites&(c.PendingWrites-1) != 0 {
		return errs.New("CONFIG", errs.Protocol,
			fmt.Sprintf("pending_writes must be a power of two, got %d", c.PendingWrites))
	}
	if c.Backend == transport.BackendXDP {
		return errs.New("CONFIG", errs.Fatal, "xdp backend is reserved and unimplemented")
	}
	return nil
}

// Addr returns the host:port string for bind.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// backendConfig derives the transport configuration.
func (c *ServerConfig) backendConfig() transport.Config {
	return transport.Config{
		QueueDepth:       c.QueueDepth,
		SQPoll:           c.SQPollEnabled,
		SQPollCPU:        c.SQPollCPUAffinity,
		SQPollIdleMicros: c.SQPollIdleMicros,
	}
}
