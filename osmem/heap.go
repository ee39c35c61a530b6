package osmem

import (
	"context"
	"log/slog"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostalloc/memutils"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

// Pointer is the address of a payload returned by a Heap. It identifies an allocation; use
// Heap.Bytes to reach the memory behind it.
type Pointer uintptr

// NullPointer is returned for empty requests and accepted as a no-op by Free and Realloc
const NullPointer Pointer = 0

type lookupResult int

const (
	lookupFound lookupResult = iota
	lookupNotFound
	lookupInvalidPointer
)

// Heap is a malloc-style allocator. Small requests are carved out of an arena grown through a
// system.Break; large requests each get their own mapping from a system.Mapper.
//
// A Heap is not safe for concurrent use.
type Heap struct {
	logger        *slog.Logger
	mmapThreshold int
	pageSize      int

	arena    *arenaAllocator
	mappings *mappingList

	// ownedBreak is set when New created the break itself
	ownedBreak system.Releaser
}

// maxRequestSize is the largest payload whose aligned size plus header still fits in an int
const maxRequestSize = math.MaxInt - metadata.HeaderSize - int(metadata.Alignment)

// isLarge reports whether a request of size bytes is routed to its own mapping
func (h *Heap) isLarge(size int) bool {
	return size >= h.mmapThreshold-metadata.HeaderSize
}

// checkRequestSize panics with ErrOutOfMemory for sizes no block can describe
func (h *Heap) checkRequestSize(size int) {
	if size > maxRequestSize {
		fatal(h.logger, errors.Wrapf(ErrOutOfMemory, "request of %d bytes exceeds the largest possible block", size))
	}
}

// Malloc allocates size bytes and returns a pointer to them. The contents are unspecified.
// A size of 0 returns NullPointer.
//
// Malloc panics with an error wrapping ErrOutOfMemory if the OS cannot supply more memory, or
// if size is too large for any block to hold.
func (h *Heap) Malloc(size int) Pointer {
	h.logger.Debug("Heap::Malloc", slog.Int("size", size))

	if size <= 0 {
		if size < 0 {
			h.logger.LogAttrs(context.Background(), slog.LevelWarn, "negative allocation size", slog.Int("size", size))
		}
		return NullPointer
	}
	h.checkRequestSize(size)

	var ptr Pointer
	if h.isLarge(size) {
		ptr = h.mappings.allocate(size).pointer()
	} else {
		ptr = h.arena.payloadPointer(h.arena.allocate(size))
	}

	memutils.DebugFill(h.Bytes(ptr), memutils.CreatedFillPattern)
	memutils.DebugValidate(h)
	return ptr
}

// Calloc allocates space for count elements of size bytes each, zero-filled. It returns
// NullPointer if the total is 0 or does not fit in an int.
func (h *Heap) Calloc(count, size int) Pointer {
	h.logger.Debug("Heap::Calloc", slog.Int("count", count), slog.Int("size", size))

	if count <= 0 || size <= 0 {
		return NullPointer
	}

	overflow, product := bits.Mul64(uint64(count), uint64(size))
	if overflow != 0 || product > uint64(maxRequestSize) {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "calloc size overflows",
			slog.Int("count", count),
			slog.Int("size", size))
		return NullPointer
	}
	total := int(product)

	var ptr Pointer
	if total+metadata.HeaderSize >= h.pageSize {
		// Fresh mappings arrive zeroed
		ptr = h.mappings.allocate(total).pointer()
	} else {
		off := h.arena.allocate(total)
		clear(h.arena.payload(off))
		ptr = h.arena.payloadPointer(off)
	}

	memutils.DebugValidate(h)
	return ptr
}

// Free releases the allocation at p. Freeing NullPointer does nothing. Freeing an arena
// allocation that is already free returns an error wrapping ErrDoubleFree and changes nothing.
//
// Free panics with an error wrapping ErrInvalidPointer if p was not returned by this heap.
func (h *Heap) Free(p Pointer) error {
	h.logger.Debug("Heap::Free", slog.Uint64("pointer", uint64(p)))

	if p == NullPointer {
		return nil
	}

	defer memutils.DebugValidate(h)

	if h.mappings.free(p) {
		return nil
	}

	return h.arena.free(p)
}

// Realloc resizes the allocation at p to size bytes and returns its new location, which may be
// p itself. The first min(old size, size) bytes are preserved; any bytes beyond that are
// unspecified. A NullPointer p behaves like Malloc, and a size of 0 behaves like Free and
// returns NullPointer.
//
// Shrinking an arena allocation never moves it. Allocations move between the arena and their
// own mapping as they cross the mmap threshold.
//
// Realloc returns an error wrapping ErrUseAfterFree, and changes nothing, if p's arena block
// has already been freed.
func (h *Heap) Realloc(p Pointer, size int) (Pointer, error) {
	h.logger.Debug("Heap::Realloc", slog.Uint64("pointer", uint64(p)), slog.Int("size", size))

	if p == NullPointer {
		return h.Malloc(size), nil
	}

	if size <= 0 {
		return NullPointer, h.Free(p)
	}
	h.checkRequestSize(size)

	defer memutils.DebugValidate(h)

	newPtr, result := h.reallocMapped(p, size)
	if result == lookupFound {
		return newPtr, nil
	}

	return h.reallocArena(p, size)
}

func (h *Heap) reallocMapped(p Pointer, size int) (Pointer, lookupResult) {
	prev, block, result := h.mappings.find(p)
	if result != lookupFound {
		return NullPointer, result
	}

	if !h.isLarge(size) {
		// Build and fill the arena block before the mapping goes away
		off := h.arena.allocate(size)
		copy(h.arena.payload(off), block.payload())
		h.mappings.release(prev, block)

		return h.arena.payloadPointer(off), lookupFound
	}

	h.mappings.resize(block, size)
	return block.pointer(), lookupFound
}

func (h *Heap) reallocArena(p Pointer, size int) (Pointer, error) {
	arena := h.arena

	off, result := arena.find(p)
	if result != lookupFound {
		fatal(h.logger, errors.Wrapf(ErrInvalidPointer, "realloc of %#x, which was not allocated by this heap", uintptr(p)))
	}

	switch status := arena.header(off).Status; status {
	case metadata.StatusAllocated:
	case metadata.StatusFree:
		return NullPointer, errors.Wrapf(ErrUseAfterFree, "realloc of %#x", uintptr(p))
	default:
		fatal(h.logger, errors.Wrapf(ErrInvalidPointer, "realloc of %#x, whose block has status %s", uintptr(p), status))
	}

	aligned := memutils.AlignUp(size, metadata.Alignment)

	// Shrinking splits in place
	if aligned <= arena.header(off).PayloadSize() {
		arena.split(off, aligned)
		return p, nil
	}

	if h.isLarge(size) {
		block := h.mappings.allocate(size)
		copy(block.payload(), arena.payload(off))
		arena.release(off)

		return block.pointer(), nil
	}

	arena.mergeNext(off)
	if aligned <= arena.header(off).PayloadSize() {
		arena.split(off, aligned)
		return p, nil
	}

	if off == arena.last {
		arena.growInPlace(off, aligned)
		return p, nil
	}

	newOff := arena.allocate(aligned)
	copy(arena.payload(newOff), arena.payload(off))
	arena.release(off)

	return arena.payloadPointer(newOff), nil
}

// Bytes returns the payload of the live allocation at p, sized to its full usable capacity,
// which may exceed the size requested. It returns nil for NullPointer and for arena
// allocations that have been freed. The slice is invalidated by any call that frees or moves
// the allocation.
//
// Bytes panics with an error wrapping ErrInvalidPointer if p was not returned by this heap.
func (h *Heap) Bytes(p Pointer) []byte {
	if p == NullPointer {
		return nil
	}

	if block, ok := h.mappings.index.Get(p); ok {
		return block.payload()
	}

	off, result := h.arena.find(p)
	if result != lookupFound {
		fatal(h.logger, errors.Wrapf(ErrInvalidPointer, "%#x was not allocated by this heap", uintptr(p)))
	}

	if h.arena.header(off).IsFree() {
		return nil
	}

	return h.arena.payload(off)
}

// UsableSize returns the capacity of the live allocation at p, or 0 for NullPointer or a
// freed arena allocation
func (h *Heap) UsableSize(p Pointer) int {
	return len(h.Bytes(p))
}

// IsMapped reports whether p is currently served by its own mapping rather than the arena
func (h *Heap) IsMapped(p Pointer) bool {
	return h.mappings.index.Has(p)
}

// Validate performs consistency checks over every block the heap owns. It is expensive and
// intended for diagnostics and tests.
func (h *Heap) Validate() error {
	var err error

	arenaErr := h.arena.Validate()
	if arenaErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(arenaErr, "arena"))
	}

	mappingErr := h.mappings.Validate()
	if mappingErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(mappingErr, "mappings"))
	}

	return err
}

// Destroy unmaps every live mapping and, if New created the heap's break, returns the break's
// memory to the OS. A break supplied through CreateOptions is left to its owner. Every pointer
// the heap returned becomes invalid, and the heap must not be used afterward.
func (h *Heap) Destroy() error {
	h.logger.Debug("Heap::Destroy")

	err := h.mappings.destroy()
	h.arena.reset()

	if h.ownedBreak != nil {
		releaseErr := h.ownedBreak.Release()
		if releaseErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(releaseErr, "failed to release the arena's break"))
		}
		h.ownedBreak = nil
	}

	return err
}
