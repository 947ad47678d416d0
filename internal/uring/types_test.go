package uring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestABISizes(t *testing.T) {
	assert.EqualValues(t, 64, unsafe.Sizeof(SQE{}), "io_uring_sqe is 64 bytes")
	assert.EqualValues(t, 16, unsafe.Sizeof(CQE{}), "io_uring_cqe is 16 bytes")
	assert.EqualValues(t, 120, unsafe.Sizeof(Params{}), "io_uring_params is 120 bytes")
	assert.EqualValues(t, 16, unsafe.Sizeof(bufRingEntry{}), "io_uring_buf is 16 bytes")
	assert.EqualValues(t, 40, unsafe.Sizeof(bufRingSetup{}), "io_uring_buf_reg is 40 bytes")
	assert.EqualValues(t, 16, unsafe.Sizeof(Timespec{}))
	assert.EqualValues(t, 24, unsafe.Sizeof(GetEventsArg{}))
	assert.EqualValues(t, 16, unsafe.Sizeof(RawSockaddrInet4{}))
	assert.EqualValues(t, 28, unsafe.Sizeof(RawSockaddrInet6{}))
}

func TestCQEFlagAccessors(t *testing.T) {
	cqe := CQE{Flags: CQEFBuffer | uint32(7)<<CQEBufferShift}
	assert.True(t, cqe.HasBuffer())
	assert.EqualValues(t, 7, cqe.BufferID())
	assert.False(t, cqe.HasMore())
	assert.False(t, cqe.IsNotif())

	cqe = CQE{Flags: CQEFMore}
	assert.True(t, cqe.HasMore())

	cqe = CQE{Flags: CQEFNotif}
	assert.True(t, cqe.IsNotif())
}

func TestProbeSupported(t *testing.T) {
	var p Probe
	p.LastOp = OpSendZC
	p.Ops[OpSend].Op = OpSend
	p.Ops[OpSend].Flags = ProbeOpSupported
	p.Ops[OpSendZC].Flags = ProbeOpSupported

	assert.True(t, p.Supported(OpSend))
	assert.True(t, p.Supported(OpSendZC))
	assert.False(t, p.Supported(OpRecv))
	assert.False(t, p.Supported(OpSendmsgZC), "beyond LastOp")
}
