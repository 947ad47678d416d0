//go:build linux

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, 4096, AlignUp(1, 4096))
	assert.Equal(t, 4096, AlignUp(4096, 4096))
	assert.Equal(t, 8192, AlignUp(4097, 4096))
	assert.Equal(t, 0, AlignUp(0, 4096))
}

func TestArenaAlignment(t *testing.T) {
	small, err := NewArena(64 * 1024)
	require.NoError(t, err)
	defer small.Close()
	assert.Zero(t, small.Addr()&(4096-1), "small arenas align to 4KiB")

	big, err := NewArena(4 << 20)
	require.NoError(t, err)
	defer big.Close()
	assert.Zero(t, big.Addr()&(2<<20-1), "arenas >= 2MiB align to 2MiB")
}

func TestArenaSlices(t *testing.T) {
	a, err := NewArena(16 * 1024)
	require.NoError(t, err)
	defer a.Close()

	s1 := a.Slice(0, 4096)
	s2 := a.Slice(4096, 4096)
	s1[0] = 0xAA
	s2[0] = 0xBB

	assert.EqualValues(t, 0xAA, a.Slice(0, 1)[0])
	assert.EqualValues(t, 0xBB, a.Slice(4096, 1)[0])
	assert.Equal(t, 4096, cap(s1), "slices carry a hard capacity bound")
}

func TestArenaCloseIdempotent(t *testing.T) {
	a, err := NewArena(8 * 1024)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, a.Closed())
}

func TestArenaRejectsNonPositiveSize(t *testing.T) {
	_, err := NewArena(0)
	require.Error(t, err)
	_, err = NewArena(-1)
	require.Error(t, err)
}
