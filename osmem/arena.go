package osmem

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostalloc/memutils"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

const noBlock = metadata.NoBlock

// arenaAllocator manages the blocks living in the break-backed arena. Blocks tile the arena
// from its base to its end with no gaps, each one a header followed by its payload, and are
// chained through their headers' Next links in address order. Links are offsets from base.
//
// After every public operation no two neighbouring blocks are both free.
type arenaAllocator struct {
	logger    *slog.Logger
	brk       system.Break
	callbacks *memoryCallbacks
	chunkSize int
	strategy  metadata.FitStrategy

	initialized bool
	// base is the address of the first block header
	base uintptr
	// mem runs from base to the current end of the break
	mem []byte

	first uint64
	last  uint64

	extensions int
}

func (a *arenaAllocator) header(off uint64) *metadata.BlockHeader {
	return metadata.HeaderAt(a.mem, int(off))
}

func (a *arenaAllocator) payloadPointer(off uint64) Pointer {
	return Pointer(a.base + uintptr(off) + uintptr(metadata.HeaderSize))
}

func (a *arenaAllocator) payload(off uint64) []byte {
	start := int(off) + metadata.HeaderSize
	end := start + a.header(off).PayloadSize()
	return a.mem[start:end:end]
}

// refresh rebuilds the arena's view of the break after it has moved
func (a *arenaAllocator) refresh() {
	segment := a.brk.Segment()
	segmentBase := system.Address(segment)

	if a.base < segmentBase || a.base-segmentBase > uintptr(len(segment)) {
		fatal(a.logger, errors.Wrapf(ErrBrokenBreak, "arena base %#x lies outside the break segment at %#x (%d bytes)", a.base, segmentBase, len(segment)))
	}

	a.mem = segment[a.base-segmentBase:]
}

func (a *arenaAllocator) sbrk(delta int) uintptr {
	prevEnd, err := a.brk.Sbrk(delta)
	if err != nil {
		fatal(a.logger, errors.Mark(errors.Wrapf(err, "failed to extend the arena by %d bytes", delta), ErrOutOfMemory))
	}

	a.extensions++
	return prevEnd
}

// initialize performs the first extension: one chunk, preceded by whatever padding is needed to
// align the arena's base, installed as a single free block
func (a *arenaAllocator) initialize() {
	prevEnd := a.sbrk(a.chunkSize)

	pad := memutils.AlignUp(prevEnd, metadata.Alignment) - prevEnd
	if pad != 0 {
		padEnd := a.sbrk(int(pad))
		if padEnd != prevEnd+uintptr(a.chunkSize) {
			fatal(a.logger, errors.Wrapf(ErrBrokenBreak, "break returned %#x while padding, expected %#x", padEnd, prevEnd+uintptr(a.chunkSize)))
		}
	}

	a.base = prevEnd + pad
	a.initialized = true
	a.refresh()

	a.header(0).Init(a.chunkSize-metadata.HeaderSize, metadata.StatusFree, noBlock)
	a.first = 0
	a.last = 0

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena initialized",
		slog.Uint64("base", uint64(a.base)),
		slog.Int("size", a.chunkSize),
		slog.Int("padding", int(pad)))
	a.callbacks.Extend(prevEnd, a.chunkSize+int(pad))
}

// extend grows the arena by delta bytes and returns the offset of the old end
func (a *arenaAllocator) extend(delta int) uint64 {
	expected := a.base + uintptr(len(a.mem))
	prevEnd := a.sbrk(delta)
	if prevEnd != expected {
		fatal(a.logger, errors.Wrapf(ErrBrokenBreak, "break returned %#x, expected %#x", prevEnd, expected))
	}

	a.refresh()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena extended",
		slog.Int("delta", delta),
		slog.Int("size", len(a.mem)))
	a.callbacks.Extend(prevEnd, delta)

	return uint64(prevEnd - a.base)
}

// find resolves a payload pointer to its block. Pointers outside the arena are not found;
// pointers inside it whose header is not an arena header are invalid.
func (a *arenaAllocator) find(p Pointer) (uint64, lookupResult) {
	if !a.initialized {
		return noBlock, lookupNotFound
	}

	addr := uintptr(p)
	start := a.base + uintptr(metadata.HeaderSize)
	if addr < start || addr >= a.base+uintptr(len(a.mem)) {
		return noBlock, lookupNotFound
	}

	off := uint64(addr - start)
	if !memutils.IsAligned(off, metadata.Alignment) {
		return noBlock, lookupInvalidPointer
	}

	header := a.header(off)
	if !header.IsValid() || header.Status == metadata.StatusMapped {
		return noBlock, lookupInvalidPointer
	}

	return off, lookupFound
}

// findFit searches for a free block of at least size bytes according to the arena's strategy
func (a *arenaAllocator) findFit(size int) (uint64, bool) {
	candidate := metadata.NewCandidate(a.strategy, size)

	for off := a.first; off != noBlock; off = a.header(off).Next {
		header := a.header(off)
		if header.IsFree() && candidate.Offer(off, header.PayloadSize()) {
			break
		}
	}

	return candidate.Offset(), candidate.Found()
}

// allocate returns the offset of an allocated block with at least size bytes of payload,
// extending the arena if no free block fits
func (a *arenaAllocator) allocate(size int) uint64 {
	size = memutils.AlignUp(size, metadata.Alignment)

	off, found := a.findFit(size)
	if !found && !a.initialized {
		a.initialize()
		off, found = a.findFit(size)
	}

	if !found {
		if !a.header(a.last).IsFree() {
			return a.appendBlock(size)
		}

		off = a.last
		a.growInPlace(off, size)
	}

	a.split(off, size)
	return off
}

// appendBlock extends the arena by exactly one header and size bytes, installing an
// allocated block there as the new tail
func (a *arenaAllocator) appendBlock(size int) uint64 {
	off := a.extend(metadata.HeaderSize + size)
	a.header(off).Init(size, metadata.StatusAllocated, noBlock)
	a.header(a.last).Next = off
	a.last = off

	return off
}

// growInPlace extends the arena by the shortfall between the tail block's payload and size
// and hands the new bytes to the tail block
func (a *arenaAllocator) growInPlace(off uint64, size int) {
	if off != a.last {
		panic("only the tail block of the arena can grow in place")
	}

	shortfall := size - a.header(off).PayloadSize()
	if shortfall <= 0 {
		return
	}

	a.extend(shortfall)
	a.header(off).Size = uint64(size)
}

// split marks the block allocated and, if enough is left over to hold another header and at
// least one aligned word of payload, carves the remainder into a new free block after it
func (a *arenaAllocator) split(off uint64, size int) {
	header := a.header(off)
	header.Status = metadata.StatusAllocated

	if header.PayloadSize() <= size+metadata.HeaderSize {
		return
	}

	tailOff := off + uint64(metadata.HeaderSize+size)
	a.header(tailOff).Init(header.PayloadSize()-size-metadata.HeaderSize, metadata.StatusFree, header.Next)
	header.Size = uint64(size)
	header.Next = tailOff

	if a.last == off {
		a.last = tailOff
	}

	// Shrinking an allocated block can leave the remainder beside a free block
	a.mergeNext(tailOff)
}

// mergeNext absorbs the block after off if it is free. It returns true if it did.
func (a *arenaAllocator) mergeNext(off uint64) bool {
	header := a.header(off)
	if header.Next == noBlock {
		return false
	}

	next := a.header(header.Next)
	if !next.IsFree() {
		return false
	}

	if header.Next == a.last {
		a.last = off
	}

	header.Size += next.Size + uint64(metadata.HeaderSize)
	header.Next = next.Next
	return true
}

// mergePrev folds the block at off into the block before it if that block is free
func (a *arenaAllocator) mergePrev(off uint64) bool {
	if off == a.first {
		return false
	}

	prev := a.first
	for a.header(prev).Next != off {
		prev = a.header(prev).Next
		if prev == noBlock {
			panic("block is not linked into the arena")
		}
	}

	prevHeader := a.header(prev)
	if !prevHeader.IsFree() {
		return false
	}

	header := a.header(off)
	prevHeader.Size += header.Size + uint64(metadata.HeaderSize)
	prevHeader.Next = header.Next

	if a.last == off {
		a.last = prev
	}

	return true
}

func (a *arenaAllocator) coalesce(off uint64) {
	a.mergeNext(off)

	if a.header(off).IsFree() {
		a.mergePrev(off)
	}
}

// release frees an allocated block and merges it with free neighbours
func (a *arenaAllocator) release(off uint64) {
	memutils.DebugFill(a.payload(off), memutils.DestroyedFillPattern)

	a.header(off).Status = metadata.StatusFree
	a.coalesce(off)
}

// reset forgets every block. The break keeps whatever it already handed out.
func (a *arenaAllocator) reset() {
	a.initialized = false
	a.base = 0
	a.mem = nil
	a.first = noBlock
	a.last = noBlock
}

func (a *arenaAllocator) free(p Pointer) error {
	off, result := a.find(p)
	if result != lookupFound {
		fatal(a.logger, errors.Wrapf(ErrInvalidPointer, "free of %#x, which is not a block in the arena", uintptr(p)))
	}

	switch status := a.header(off).Status; status {
	case metadata.StatusFree:
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "double free", slog.Uint64("pointer", uint64(p)))
		return errors.Wrapf(ErrDoubleFree, "free of %#x", uintptr(p))
	case metadata.StatusAllocated:
		a.release(off)
		return nil
	default:
		fatal(a.logger, errors.Wrapf(ErrInvalidPointer, "free of %#x, whose block has status %s", uintptr(p), status))
		return nil
	}
}

// visitAllBlocks calls handleBlock once for each block in address order
func (a *arenaAllocator) visitAllBlocks(handleBlock func(p Pointer, size int, status metadata.Status) error) error {
	for off := a.first; off != noBlock; off = a.header(off).Next {
		header := a.header(off)
		err := handleBlock(a.payloadPointer(off), header.PayloadSize(), header.Status)
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *arenaAllocator) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	if !a.initialized {
		return
	}

	stats.AddBlock(len(a.mem))
	_ = a.visitAllBlocks(func(p Pointer, size int, status metadata.Status) error {
		if status == metadata.StatusFree {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (a *arenaAllocator) Validate() error {
	if !a.initialized {
		if a.first != noBlock || a.last != noBlock {
			return errors.New("uninitialized arena has blocks")
		}
		return nil
	}

	if a.first != 0 {
		return errors.Errorf("the first block should have an offset of 0, but instead it has an offset of %d", a.first)
	}

	expectedOffset := uint64(0)
	lastOffset := noBlock
	prevFree := false

	for off := a.first; off != noBlock; {
		if off != expectedOffset {
			return errors.Errorf("block at offset %d should start at offset %d, where the previous block ends", off, expectedOffset)
		}
		if int(off)+metadata.HeaderSize > len(a.mem) {
			return errors.Errorf("block at offset %d has a header past the end of the arena (%d bytes)", off, len(a.mem))
		}

		header := a.header(off)
		if header.Magic != metadata.HeaderMagic {
			return errors.Errorf("block at offset %d has a corrupt header", off)
		}
		if header.Status != metadata.StatusFree && header.Status != metadata.StatusAllocated {
			return errors.Errorf("block at offset %d has status %s, which does not belong in the arena", off, header.Status)
		}
		if !memutils.IsAligned(header.Size, metadata.Alignment) {
			return errors.Errorf("block at offset %d has size %d, which is not %d-byte aligned", off, header.Size, metadata.Alignment)
		}
		if header.IsFree() && prevFree {
			return errors.Errorf("block at offset %d is free, and so is the block before it", off)
		}

		prevFree = header.IsFree()
		lastOffset = off
		expectedOffset = off + uint64(metadata.HeaderSize) + header.Size
		if expectedOffset > uint64(len(a.mem)) {
			return errors.Errorf("block at offset %d runs past the end of the arena (%d bytes)", off, len(a.mem))
		}

		off = header.Next
	}

	if lastOffset != a.last {
		return errors.Errorf("the arena's tail is recorded at offset %d, but the final block is at offset %d", a.last, lastOffset)
	}

	if expectedOffset != uint64(len(a.mem)) {
		return errors.Errorf("the arena is %d bytes, but its blocks only cover %d", len(a.mem), expectedOffset)
	}

	return nil
}
