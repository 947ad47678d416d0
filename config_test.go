package uringnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpelle/uringnet/transport"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1024, cfg.NumBuffers)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, transport.BackendIOUring, cfg.Backend)
	assert.Equal(t, -1, cfg.CPUAffinity)
	assert.False(t, cfg.SQPollEnabled)
	assert.Equal(t, -1, cfg.SQPollCPUAffinity)
	assert.EqualValues(t, 2000, cfg.SQPollIdleMicros)
	assert.Equal(t, 4096, cfg.PendingWrites)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.NumBuffers = 1000 // not a power of two
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.PendingWrites = 100
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.BufferSize = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Backend = transport.BackendXDP
	require.Error(t, cfg.Validate(), "xdp is reserved, not implemented")
}

func TestBackendConfigDerivation(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.SQPollEnabled = true
	cfg.SQPollCPUAffinity = 3
	cfg.QueueDepth = 512

	bc := cfg.backendConfig()
	assert.EqualValues(t, 512, bc.QueueDepth)
	assert.True(t, bc.SQPoll)
	assert.Equal(t, 3, bc.SQPollCPU)
	assert.EqualValues(t, 2000, bc.SQPollIdleMicros)
}
