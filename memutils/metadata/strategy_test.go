package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
)

type freeBlock struct {
	offset uint64
	size   int
}

func search(strategy metadata.FitStrategy, request int, blocks []freeBlock) (uint64, bool, int) {
	candidate := metadata.NewCandidate(strategy, request)
	visited := 0
	for _, block := range blocks {
		visited++
		if candidate.Offer(block.offset, block.size) {
			break
		}
	}
	return candidate.Offset(), candidate.Found(), visited
}

func TestCandidate(t *testing.T) {
	blocks := []freeBlock{
		{offset: 0, size: 64},
		{offset: 100, size: 400},
		{offset: 600, size: 136},
		{offset: 800, size: 136},
		{offset: 1000, size: 128},
	}

	testCases := map[string]struct {
		strategy metadata.FitStrategy
		request  int
		offset   uint64
		found    bool
		visited  int
	}{
		"BestFitSmallestRemainder": {strategy: metadata.FitBest, request: 120, offset: 1000, found: true, visited: 5},
		"BestFitTieGoesToLowest":   {strategy: metadata.FitBest, request: 136, offset: 600, found: true, visited: 3},
		"BestFitNothingFits":       {strategy: metadata.FitBest, request: 1000, offset: metadata.NoBlock, found: false, visited: 5},
		"FirstFitStopsEarly":       {strategy: metadata.FitFirst, request: 120, offset: 100, found: true, visited: 2},
		"FirstFitFirstBlock":       {strategy: metadata.FitFirst, request: 8, offset: 0, found: true, visited: 1},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			offset, found, visited := search(testCase.strategy, testCase.request, blocks)
			require.Equal(t, testCase.offset, offset)
			require.Equal(t, testCase.found, found)
			require.Equal(t, testCase.visited, visited)
		})
	}
}

func TestFitStrategyString(t *testing.T) {
	require.Equal(t, "BestFit", metadata.FitBest.String())
	require.Equal(t, "FirstFit", metadata.FitFirst.String())
}
