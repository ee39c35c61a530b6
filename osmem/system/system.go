// Package system defines the two OS memory primitives an osmem.Heap is built on, along with
// implementations backed by the host OS and by ordinary Go memory.
//
// A Break is a contiguous data segment whose end can only move forward, the same model as the
// classic brk/sbrk program break. A Mapper creates, resizes and destroys anonymous private
// read-write mappings. Neither is safe for concurrent use.
package system

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrNoMemory is returned when a primitive cannot supply more memory
var ErrNoMemory = errors.New("out of memory")

// Break is a contiguous data segment that grows at its end
type Break interface {
	// Sbrk extends the segment by delta bytes and returns the address of the previous end.
	// The segment's base never moves and existing contents are preserved. A delta of 0
	// returns the current end.
	Sbrk(delta int) (uintptr, error)
	// Segment returns the segment's memory from its base address to its current end
	Segment() []byte
}

// Mapper manages anonymous, private, read-write mappings. Fresh mappings are zero-filled.
type Mapper interface {
	// Map creates a mapping of length bytes
	Map(length int) ([]byte, error)
	// Remap resizes a mapping previously returned by Map or Remap. The mapping may move;
	// contents up to the smaller of the two lengths are preserved. mem is invalid afterward.
	Remap(mem []byte, length int) ([]byte, error)
	// Unmap destroys a mapping previously returned by Map or Remap
	Unmap(mem []byte) error
}

// Releaser is implemented by sources that hold OS resources of their own, such as a
// reservation, which must be returned once the source is no longer used
type Releaser interface {
	Release() error
}

// Address returns the address of the first byte of mem, or 0 for an empty slice
func Address(mem []byte) uintptr {
	if cap(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
}
