package osmem_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostalloc/osmem"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

const testBreakLimit = 64 * 1024 * 1024

type testHeap struct {
	*osmem.Heap
	brk    *system.MemoryBreak
	mapper *system.MemoryMapper
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// readyHeap builds a heap over in-process memory sources so tests can inspect the OS traffic
func readyHeap(t *testing.T, options osmem.CreateOptions) *testHeap {
	brk := system.NewMemoryBreak(testBreakLimit)
	mapper := system.NewMemoryMapper(0)

	options.Break = brk
	options.Mapper = mapper
	if options.PageSize == 0 {
		options.PageSize = 4096
	}

	heap, err := osmem.New(discardLogger(), options)
	require.NoError(t, err)

	return &testHeap{Heap: heap, brk: brk, mapper: mapper}
}

func fill(data []byte, pattern byte) {
	for i := range data {
		data[i] = pattern
	}
}

func requireFilled(t *testing.T, data []byte, pattern byte) {
	t.Helper()
	for i, b := range data {
		if b != pattern {
			require.Failf(t, "unexpected byte", "byte %d is %#x, expected %#x", i, b, pattern)
		}
	}
}

// requireFatal runs fn and requires it to panic with an error marked by sentinel
func requireFatal(t *testing.T, sentinel error, fn func()) {
	t.Helper()

	var recovered any
	func() {
		defer func() {
			recovered = recover()
		}()
		fn()
	}()

	require.NotNil(t, recovered, "expected a panic wrapping %v", sentinel)
	err, ok := recovered.(error)
	require.True(t, ok, "panic value %v is not an error", recovered)
	require.True(t, errors.Is(err, sentinel), "panic %v does not wrap %v", err, sentinel)
}
