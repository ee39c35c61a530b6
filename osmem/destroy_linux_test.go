//go:build linux

package osmem

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

func TestDestroyReleasesOwnedBreak(t *testing.T) {
	heap, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), CreateOptions{
		ArenaReservation: 1024 * 1024,
	})
	require.NoError(t, err)

	reserved, ok := heap.ownedBreak.(*system.ReservedBreak)
	require.True(t, ok)

	small := heap.Malloc(100)
	large := heap.Malloc(200000)
	copy(heap.Bytes(small), "arena")
	copy(heap.Bytes(large), "mapping")
	require.True(t, heap.IsMapped(large))
	require.NotEmpty(t, reserved.Segment())

	require.NoError(t, heap.Destroy())
	require.Nil(t, heap.ownedBreak)
	require.Empty(t, reserved.Segment())
	require.True(t, heap.mappings.IsEmpty())
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Destroy())
}

func TestDestroyKeepsSuppliedBreak(t *testing.T) {
	brk, err := system.NewReservedBreak(1024 * 1024)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, brk.Release())
	}()

	heap, err := New(nil, CreateOptions{Break: brk})
	require.NoError(t, err)
	require.Nil(t, heap.ownedBreak)

	heap.Malloc(100)
	require.NoError(t, heap.Destroy())
	require.Len(t, brk.Segment(), DefaultArenaChunkSize)
}
