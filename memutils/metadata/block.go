package metadata

import (
	"fmt"
	"math"
	"unsafe"
)

// Status is the lifecycle state recorded in a BlockHeader
type Status uint32

const (
	// StatusFree indicates that the block's payload is available for allocation
	StatusFree Status = iota
	// StatusAllocated indicates that the block's payload is owned by a consumer
	StatusAllocated
	// StatusMapped indicates that the block is the sole occupant of its own anonymous mapping.
	// Mapped blocks never become free: they are unmapped instead.
	StatusMapped
)

var statusMapping = map[Status]string{
	StatusFree:      "Free",
	StatusAllocated: "Allocated",
	StatusMapped:    "Mapped",
}

func (s Status) String() string {
	str, ok := statusMapping[s]
	if !ok {
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
	return str
}

const (
	// Alignment is the minimum alignment of every header and payload, and the granularity
	// of every payload size
	Alignment uint = 8

	// HeaderMagic is stamped into every header written by this package. A header without it
	// was not produced by an allocator, or has been overwritten.
	HeaderMagic uint32 = 0x7F84E666

	// NoBlock terminates a chain of Next links
	NoBlock uint64 = math.MaxUint64
)

// BlockHeader is the fixed layout that immediately precedes every payload. Size is the payload
// capacity in bytes. Next links to the following block in the owning list, as an offset that
// the owner interprets; NoBlock ends the list.
type BlockHeader struct {
	Size   uint64
	Status Status
	Magic  uint32
	Next   uint64
}

// HeaderSize is the number of bytes a BlockHeader occupies in front of a payload
const HeaderSize int = int(unsafe.Sizeof(BlockHeader{}))

// HeaderAt reinterprets the bytes at offset within mem as a BlockHeader. This is the only place
// raw memory is treated as a header; every caller goes through it. It panics if the header
// would not fit inside mem or if its address is not aligned.
//
// The returned header aliases mem, so it is only valid for as long as mem is.
func HeaderAt(mem []byte, offset int) *BlockHeader {
	if offset < 0 || offset+HeaderSize > len(mem) {
		panic(fmt.Sprintf("block header at offset %d does not fit in %d bytes of memory", offset, len(mem)))
	}

	ptr := unsafe.Pointer(&mem[offset])
	if uintptr(ptr)&uintptr(Alignment-1) != 0 {
		panic(fmt.Sprintf("block header at offset %d is not %d-byte aligned", offset, Alignment))
	}

	return (*BlockHeader)(ptr)
}

// Init stamps a fresh header
func (h *BlockHeader) Init(size int, status Status, next uint64) {
	h.Size = uint64(size)
	h.Status = status
	h.Magic = HeaderMagic
	h.Next = next
}

// IsValid reports whether the header carries the magic value and a known status
func (h *BlockHeader) IsValid() bool {
	if h.Magic != HeaderMagic {
		return false
	}

	_, known := statusMapping[h.Status]
	return known
}

func (h *BlockHeader) IsFree() bool {
	return h.Status == StatusFree
}

// PayloadSize returns Size as an int
func (h *BlockHeader) PayloadSize() int {
	return int(h.Size)
}
