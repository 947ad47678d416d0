package framing

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arpelle/uringnet/errs"
)

func TestFrameDeframeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("hello, ring"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, p := range payloads {
		frame := make([]byte, HeaderSize+len(p))
		total, err := Frame(p, len(p), frame)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize+len(p), total)

		out := make([]byte, len(p)+1)
		n, err := Deframe(frame, total, out)
		require.NoError(t, err)
		assert.Equal(t, len(p), n)
		assert.Equal(t, p, out[:n])
	}
}

func TestDeframeIncomplete(t *testing.T) {
	// Prefix says 10 payload bytes, only 5 present ("Hello").
	src := []byte{0x00, 0x00, 0x00, 0x0A, 0x48, 0x65, 0x6C, 0x6C, 0x6F}
	dst := make([]byte, 16)

	n, err := Deframe(src, len(src), dst)
	require.NoError(t, err)
	assert.Equal(t, Incomplete, n)
}

func TestDeframeIncompleteHeader(t *testing.T) {
	src := []byte{0x00, 0x00, 0x00}
	n, err := Deframe(src, len(src), make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, Incomplete, n)
}

func TestDeframeNegativeLength(t *testing.T) {
	src := make([]byte, 8)
	binary.BigEndian.PutUint32(src, 0xFFFFFFFF) // -1 as int32

	_, err := Deframe(src, len(src), make([]byte, 8))
	require.Error(t, err)
	assert.True(t, errs.IsCategory(err, errs.Protocol))
}

func TestDeframeOversizeLength(t *testing.T) {
	c, err := NewCodec(1024)
	require.NoError(t, err)

	src := make([]byte, 8)
	binary.BigEndian.PutUint32(src, 2048)

	_, err = c.Deframe(src, len(src), make([]byte, 8))
	require.Error(t, err)
	assert.True(t, errs.IsCategory(err, errs.Protocol))
}

func TestFrameOverCap(t *testing.T) {
	c, err := NewCodec(8)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{1}, 9)
	_, err = c.Frame(payload, len(payload), make([]byte, 64))
	require.Error(t, err)
	assert.True(t, errs.IsCategory(err, errs.Protocol))
}

func TestFrameDestinationTooSmall(t *testing.T) {
	payload := []byte("hello")
	_, err := Frame(payload, len(payload), make([]byte, 4))
	require.Error(t, err)
	assert.True(t, errs.IsCategory(err, errs.Resource))
}

func TestCodecCapBounds(t *testing.T) {
	_, err := NewCodec(AbsoluteMaxPayload + 1)
	require.Error(t, err)

	c, err := NewCodec(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPayload, c.MaxPayload())
}

func TestDeframeExactBoundary(t *testing.T) {
	payload := []byte("0123456789")
	frame := make([]byte, HeaderSize+len(payload))
	total, err := Frame(payload, len(payload), frame)
	require.NoError(t, err)

	// One byte short of a whole frame.
	n, err := Deframe(frame, total-1, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, Incomplete, n)

	// Exactly one frame.
	n, err = Deframe(frame, total, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
}
