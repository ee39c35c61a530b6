package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTrace(t *testing.T) {
	trace := `# warm up
malloc a 100
calloc b 4 32   # zeroed

REALLOC a 200000
free b
`

	ops, err := parseTrace(strings.NewReader(trace))
	require.NoError(t, err)
	require.Equal(t, []traceOp{
		{Line: 2, Kind: opMalloc, ID: "a", Size: 100},
		{Line: 3, Kind: opCalloc, ID: "b", Count: 4, Size: 32},
		{Line: 5, Kind: opRealloc, ID: "a", Size: 200000},
		{Line: 6, Kind: opFree, ID: "b"},
	}, ops)
}

func TestParseTraceErrors(t *testing.T) {
	testCases := map[string]struct {
		trace   string
		message string
	}{
		"UnknownOp":     {trace: "mmap a 10", message: `line 1: unknown op "mmap"`},
		"MissingSize":   {trace: "malloc a", message: "line 1: malloc takes 1 argument(s) after the id, got 0"},
		"ExtraArgument": {trace: "\nfree a 10", message: "line 2: free takes 0 argument(s) after the id, got 1"},
		"BadSize":       {trace: "malloc a ten", message: `line 1: invalid size "ten"`},
		"NegativeSize":  {trace: "calloc a 2 -4", message: "line 1: negative size -4"},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseTrace(strings.NewReader(testCase.trace))
			require.Error(t, err)
			require.Contains(t, err.Error(), testCase.message)
		})
	}
}
