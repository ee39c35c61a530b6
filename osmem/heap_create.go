package osmem

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostalloc/memutils"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

const (
	// DefaultMmapThreshold is the value used as the MmapThreshold when none is provided via
	// CreateOptions. Requests whose size plus header reach it are served by their own mapping.
	DefaultMmapThreshold int = 128 * 1024
	// DefaultArenaChunkSize is the value used as the ArenaChunkSize when none is provided via
	// CreateOptions
	DefaultArenaChunkSize int = 128 * 1024
	// DefaultArenaReservation is the address space reserved for the default break. It is
	// reserved, not committed.
	DefaultArenaReservation int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating a Heap. It is valid to leave all
// fields blank.
type CreateOptions struct {
	// MmapThreshold is the size, header included, at which Malloc and Realloc stop using the
	// arena and give a request its own mapping
	MmapThreshold int
	// PageSize is the size, header included, at which Calloc starts giving a request its own
	// mapping. Fresh mappings are already zeroed, so this is lower than MmapThreshold.
	// Must be a power of two no larger than MmapThreshold.
	PageSize int
	// ArenaChunkSize is the number of bytes acquired from the break the first time the arena
	// is used. Must be a multiple of 8 and larger than a block header.
	ArenaChunkSize int
	// ArenaReservation is the address space reserved for the default break. It is ignored when
	// Break is provided.
	ArenaReservation int
	// Strategy chooses between free arena blocks that can satisfy a request
	Strategy metadata.FitStrategy

	// Break is the data segment the arena grows into. If nil, the host's default break is
	// used.
	Break system.Break
	// Mapper creates mappings for large requests. If nil, the host's default mapper is used.
	Mapper system.Mapper

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when the
	// heap extends its arena or creates, resizes or destroys a mapping
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Heap. The heap acquires no memory until the first allocation. Call
// Heap.Destroy to give its memory back.
//
// logger - Receives debug traces of every public call and an error entry before any fatal
// panic. If nil, logging is discarded.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	heap := &Heap{
		logger:        logger,
		mmapThreshold: options.MmapThreshold,
		pageSize:      options.PageSize,
	}

	if heap.mmapThreshold == 0 {
		heap.mmapThreshold = DefaultMmapThreshold
	}
	if heap.pageSize == 0 {
		heap.pageSize = system.PageSize()
	}

	chunkSize := options.ArenaChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultArenaChunkSize
	}

	err := memutils.CheckPow2(heap.pageSize, "PageSize")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAligned(chunkSize, metadata.Alignment, "ArenaChunkSize")
	if err != nil {
		return nil, err
	}
	if chunkSize <= metadata.HeaderSize {
		return nil, errors.Newf("ArenaChunkSize is %d, but it must be larger than the %d byte block header", chunkSize, metadata.HeaderSize)
	}
	if heap.mmapThreshold <= metadata.HeaderSize {
		return nil, errors.Newf("MmapThreshold is %d, but it must be larger than the %d byte block header", heap.mmapThreshold, metadata.HeaderSize)
	}
	if heap.pageSize > heap.mmapThreshold {
		return nil, errors.Newf("PageSize is %d, but it must not exceed MmapThreshold (%d)", heap.pageSize, heap.mmapThreshold)
	}
	if options.Strategy != metadata.FitBest && options.Strategy != metadata.FitFirst {
		return nil, errors.Newf("unknown fit strategy %d", options.Strategy)
	}

	brk := options.Break
	if brk == nil {
		reservation := options.ArenaReservation
		if reservation == 0 {
			reservation = DefaultArenaReservation
		}

		brk, err = system.NewDefaultBreak(reservation)
		if err != nil {
			return nil, err
		}

		if releaser, ok := brk.(system.Releaser); ok {
			heap.ownedBreak = releaser
		}
	}

	mapper := options.Mapper
	if mapper == nil {
		mapper = system.NewDefaultMapper()
	}

	callbacks := &memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Heap:      heap,
	}

	heap.arena = &arenaAllocator{
		logger:    logger,
		brk:       brk,
		callbacks: callbacks,
		chunkSize: chunkSize,
		strategy:  options.Strategy,
		first:     metadata.NoBlock,
		last:      metadata.NoBlock,
	}

	heap.mappings = &mappingList{
		logger:    logger,
		mapper:    mapper,
		callbacks: callbacks,
		index:     swiss.NewMap[Pointer, *mappedBlock](16),
	}

	return heap, nil
}
