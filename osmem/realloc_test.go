package osmem_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem"
)

func TestReallocNullAndZero(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p, err := heap.Realloc(osmem.NullPointer, 64)
	require.NoError(t, err)
	require.NotEqual(t, osmem.NullPointer, p)
	require.Equal(t, 64, heap.UsableSize(p))

	q, err := heap.Realloc(p, 0)
	require.NoError(t, err)
	require.Equal(t, osmem.NullPointer, q)
	require.Nil(t, heap.Bytes(p))
	require.NoError(t, heap.Validate())
}

func TestReallocShrinkKeepsAddress(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(1000)
	fill(heap.Bytes(p), 0x11)

	q, err := heap.Realloc(p, 100)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, 104, heap.UsableSize(q))
	requireFilled(t, heap.Bytes(q)[:100], 0x11)

	var stats osmem.HeapStatistics
	heap.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Arena.UnusedRangeCount)
	require.NoError(t, heap.Validate())
}

func TestReallocGrowMoves(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(100)
	fill(heap.Bytes(p)[:100], 0x22)
	heap.Malloc(100)

	q, err := heap.Realloc(p, 5000)
	require.NoError(t, err)
	require.NotEqual(t, p, q)
	require.False(t, heap.IsMapped(q))
	requireFilled(t, heap.Bytes(q)[:100], 0x22)
	require.Nil(t, heap.Bytes(p))
	require.NoError(t, heap.Validate())
}

func TestReallocGrowIntoFreeNeighbour(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(100)
	fill(heap.Bytes(p)[:100], 0x33)
	neighbour := heap.Malloc(200)
	heap.Malloc(100)
	require.NoError(t, heap.Free(neighbour))

	q, err := heap.Realloc(p, 300)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, 104+metadata.HeaderSize+200, heap.UsableSize(q))
	requireFilled(t, heap.Bytes(q)[:100], 0x33)
	require.NoError(t, heap.Validate())
}

func TestReallocGrowTailInPlace(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{ArenaChunkSize: 1024})

	p := heap.Malloc(1000)
	fill(heap.Bytes(p), 0x44)
	require.Equal(t, 1, heap.brk.SbrkCalls())

	q, err := heap.Realloc(p, 2000)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, 2000, heap.UsableSize(q))
	require.Equal(t, 2, heap.brk.SbrkCalls())
	require.Equal(t, 1024+1000, heap.brk.Len())
	requireFilled(t, heap.Bytes(q)[:1000], 0x44)
	require.NoError(t, heap.Validate())
}

func TestReallocMappedToArena(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(200000)
	require.True(t, heap.IsMapped(p))
	copy(heap.Bytes(p), "abcdefghij")

	q, err := heap.Realloc(p, 10)
	require.NoError(t, err)
	require.False(t, heap.IsMapped(q))
	require.Equal(t, "abcdefghij", string(heap.Bytes(q)[:10]))
	require.Equal(t, 16, heap.UsableSize(q))
	require.Equal(t, 0, heap.mapper.LiveMappings())
	require.NoError(t, heap.Validate())
}

func TestReallocArenaToMapped(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(100)
	fill(heap.Bytes(p)[:100], 0x5A)

	q, err := heap.Realloc(p, 200000)
	require.NoError(t, err)
	require.True(t, heap.IsMapped(q))
	requireFilled(t, heap.Bytes(q)[:100], 0x5A)

	var stats osmem.HeapStatistics
	heap.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Arena.AllocationCount)
	require.Equal(t, 1, stats.Mapped.AllocationCount)
	require.NoError(t, heap.Validate())
}

func TestReallocMappedResize(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(200000)
	fill(heap.Bytes(p)[:200000], 0x66)

	q, err := heap.Realloc(p, 400000)
	require.NoError(t, err)
	require.True(t, heap.IsMapped(q))
	require.Equal(t, 400000, heap.UsableSize(q))
	requireFilled(t, heap.Bytes(q)[:200000], 0x66)

	r, err := heap.Realloc(q, 150000)
	require.NoError(t, err)
	require.Equal(t, q, r)
	require.True(t, heap.IsMapped(r))
	requireFilled(t, heap.Bytes(r), 0x66)

	var stats osmem.HeapStatistics
	heap.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.MapCalls)
	require.Equal(t, 2, stats.RemapCalls)
	require.Equal(t, 1, heap.mapper.LiveMappings())
	require.NoError(t, heap.Validate())
}

func TestReallocAfterFree(t *testing.T) {
	heap := readyHeap(t, osmem.CreateOptions{})

	p := heap.Malloc(64)
	heap.Malloc(64)
	require.NoError(t, heap.Free(p))

	q, err := heap.Realloc(p, 128)
	require.True(t, errors.Is(err, osmem.ErrUseAfterFree))
	require.Equal(t, osmem.NullPointer, q)
	require.NoError(t, heap.Validate())
}

type liveAllocation struct {
	ptr     osmem.Pointer
	size    int
	pattern byte
}

func checkLive(t *testing.T, heap *testHeap, live map[int]*liveAllocation) {
	t.Helper()

	require.NoError(t, heap.Validate())
	for _, alloc := range live {
		data := heap.Bytes(alloc.ptr)
		require.GreaterOrEqual(t, len(data), alloc.size)
		requireFilled(t, data[:alloc.size], alloc.pattern)
	}
}

func randomSize(rng *rand.Rand) int {
	switch rng.Intn(10) {
	case 0:
		return 4096 + rng.Intn(16384)
	case 1, 2:
		return 512 + rng.Intn(3584)
	default:
		return 1 + rng.Intn(256)
	}
}

func TestRandomWorkload(t *testing.T) {
	strategies := []metadata.FitStrategy{metadata.FitBest, metadata.FitFirst}
	seeds := []int64{1, 7, 42, 1234}

	for _, strategy := range strategies {
		for _, seed := range seeds {
			t.Run(fmt.Sprintf("%s/Seed%d", strategy, seed), func(t *testing.T) {
				heap := readyHeap(t, osmem.CreateOptions{
					MmapThreshold:  4096,
					PageSize:       2048,
					ArenaChunkSize: 8192,
					Strategy:       strategy,
				})

				rng := rand.New(rand.NewSource(seed))
				live := make(map[int]*liveAllocation)
				nextID := 0

				for step := 0; step < 1000; step++ {
					op := rng.Intn(4)
					if len(live) == 0 {
						op = 0
					}

					switch op {
					case 0, 1:
						size := randomSize(rng)
						var p osmem.Pointer
						if op == 0 {
							p = heap.Malloc(size)
						} else {
							p = heap.Calloc(1, size)
							requireFilled(t, heap.Bytes(p)[:size], 0)
						}
						alloc := &liveAllocation{ptr: p, size: size, pattern: byte(rng.Intn(255) + 1)}
						fill(heap.Bytes(p)[:size], alloc.pattern)
						live[nextID] = alloc
						nextID++
					case 2:
						id := pickLive(rng, live)
						alloc := live[id]
						size := randomSize(rng)

						p, err := heap.Realloc(alloc.ptr, size)
						require.NoError(t, err)

						preserved := min(alloc.size, size)
						requireFilled(t, heap.Bytes(p)[:preserved], alloc.pattern)
						fill(heap.Bytes(p)[:size], alloc.pattern)
						alloc.ptr = p
						alloc.size = size
					case 3:
						id := pickLive(rng, live)
						require.NoError(t, heap.Free(live[id].ptr))
						delete(live, id)
					}

					checkLive(t, heap, live)
				}

				for id, alloc := range live {
					require.NoError(t, heap.Free(alloc.ptr))
					delete(live, id)
				}

				var stats osmem.HeapStatistics
				heap.CalculateStatistics(&stats)
				require.Equal(t, 0, stats.Total.AllocationCount)
				require.Equal(t, 1, stats.Arena.UnusedRangeCount)
				require.Equal(t, 0, heap.mapper.LiveMappings())
				require.NoError(t, heap.Validate())
			})
		}
	}
}

// pickLive chooses a live allocation deterministically for a given rng state
func pickLive(rng *rand.Rand, live map[int]*liveAllocation) int {
	lowest, highest := -1, -1
	for id := range live {
		if lowest < 0 || id < lowest {
			lowest = id
		}
		if id > highest {
			highest = id
		}
	}

	for {
		id := lowest + rng.Intn(highest-lowest+1)
		if _, ok := live[id]; ok {
			return id
		}
	}
}
