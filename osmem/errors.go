package osmem

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
)

var (
	// ErrOutOfMemory indicates that the OS declined to extend the arena or to create or grow a
	// mapping. The heap has no other source of memory, so this is fatal.
	ErrOutOfMemory = errors.New("osmem: out of memory")

	// ErrInvalidPointer indicates a pointer that this heap never returned, or whose block header
	// has been overwritten. Continuing would corrupt the heap, so this is fatal.
	ErrInvalidPointer = errors.New("osmem: invalid pointer")

	// ErrBrokenBreak indicates that the break did not return the end address the arena expected,
	// so the arena is no longer contiguous. This is fatal.
	ErrBrokenBreak = errors.New("osmem: break is not contiguous")

	// ErrDoubleFree is returned by Free when the pointer's block is already free. Nothing is
	// changed.
	ErrDoubleFree = errors.New("osmem: double free")

	// ErrUseAfterFree is returned by Realloc when the pointer's block has already been freed.
	// Nothing is changed.
	ErrUseAfterFree = errors.New("osmem: realloc of freed pointer")
)

// fatal logs err and panics with it. It is used for conditions the heap cannot recover from.
func fatal(logger *slog.Logger, err error) {
	logger.LogAttrs(context.Background(), slog.LevelError, "osmem: fatal heap error", slog.Any("error", err))
	panic(err)
}
