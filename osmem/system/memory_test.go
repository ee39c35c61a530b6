package system_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

func TestMemoryBreak(t *testing.T) {
	brk := system.NewMemoryBreak(4096)
	require.Len(t, brk.Segment(), 0)

	base, err := brk.Sbrk(0)
	require.NoError(t, err)
	require.Equal(t, 0, brk.SbrkCalls())

	prev, err := brk.Sbrk(1024)
	require.NoError(t, err)
	require.Equal(t, base, prev)

	segment := brk.Segment()
	require.Len(t, segment, 1024)
	require.Equal(t, base, system.Address(segment))
	segment[1023] = 0xAB

	prev, err = brk.Sbrk(3072)
	require.NoError(t, err)
	require.Equal(t, base+1024, prev)
	require.Equal(t, 4096, brk.Len())
	require.Equal(t, 2, brk.SbrkCalls())

	segment = brk.Segment()
	require.Equal(t, base, system.Address(segment))
	require.Equal(t, uint8(0xAB), segment[1023])

	_, err = brk.Sbrk(1)
	require.True(t, errors.Is(err, system.ErrNoMemory))
	require.Equal(t, 4096, brk.Len())

	_, err = brk.Sbrk(-8)
	require.Error(t, err)
}

func TestMemoryMapper(t *testing.T) {
	mapper := system.NewMemoryMapper(0)

	mem, err := mapper.Map(256)
	require.NoError(t, err)
	require.Len(t, mem, 256)
	require.Equal(t, make([]byte, 256), mem)
	require.Equal(t, 1, mapper.LiveMappings())
	require.Equal(t, 256, mapper.LiveBytes())

	for i := range mem {
		mem[i] = byte(i)
	}

	grown, err := mapper.Remap(mem, 512)
	require.NoError(t, err)
	require.Len(t, grown, 512)
	require.Equal(t, mem, grown[:256])
	require.Equal(t, 512, mapper.LiveBytes())

	_, err = mapper.Remap(mem, 1024)
	require.Error(t, err)

	shrunk, err := mapper.Remap(grown, 64)
	require.NoError(t, err)
	require.Equal(t, grown[:64], shrunk)
	require.Equal(t, system.Address(grown), system.Address(shrunk))
	require.Equal(t, 64, mapper.LiveBytes())
	require.Equal(t, 1, mapper.LiveMappings())

	require.NoError(t, mapper.Unmap(shrunk))
	require.Equal(t, 0, mapper.LiveMappings())
	require.Equal(t, 0, mapper.LiveBytes())

	require.Error(t, mapper.Unmap(shrunk))
}

func TestMemoryBreakRelease(t *testing.T) {
	brk := system.NewMemoryBreak(4096)
	_, err := brk.Sbrk(1024)
	require.NoError(t, err)

	require.NoError(t, brk.Release())
	require.Len(t, brk.Segment(), 0)
	require.NoError(t, brk.Release())
}

func TestMemoryMapperLimit(t *testing.T) {
	mapper := system.NewMemoryMapper(1000)

	mem, err := mapper.Map(600)
	require.NoError(t, err)

	_, err = mapper.Map(600)
	require.True(t, errors.Is(err, system.ErrNoMemory))

	_, err = mapper.Remap(mem, 1200)
	require.True(t, errors.Is(err, system.ErrNoMemory))

	_, err = mapper.Map(0)
	require.Error(t, err)
	require.Equal(t, 600, mapper.LiveBytes())
}

func TestAddress(t *testing.T) {
	require.Equal(t, uintptr(0), system.Address(nil))

	mem := make([]byte, 16)
	require.Equal(t, system.Address(mem)+8, system.Address(mem[8:]))
}
