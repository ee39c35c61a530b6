package osmem

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostalloc/memutils"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
	"github.com/vkngwrapper/hostalloc/osmem/system"
)

// mappedBlock is a block that occupies its own mapping: a header at the start of mem, followed
// by the payload
type mappedBlock struct {
	mem  []byte
	next *mappedBlock
}

func (b *mappedBlock) header() *metadata.BlockHeader {
	return metadata.HeaderAt(b.mem, 0)
}

func (b *mappedBlock) pointer() Pointer {
	return Pointer(system.Address(b.mem) + uintptr(metadata.HeaderSize))
}

func (b *mappedBlock) payload() []byte {
	end := metadata.HeaderSize + b.header().PayloadSize()
	return b.mem[metadata.HeaderSize:end:end]
}

// mappingList owns every mapped block. The list is singly linked with the newest mapping at
// the head; index lets pointers that were never mapped be turned away without walking it.
type mappingList struct {
	logger    *slog.Logger
	mapper    system.Mapper
	callbacks *memoryCallbacks

	count int
	head  *mappedBlock
	index *swiss.Map[Pointer, *mappedBlock]

	mapCalls   int
	remapCalls int
	unmapCalls int
}

func (l *mappingList) allocate(size int) *mappedBlock {
	size = memutils.AlignUp(size, metadata.Alignment)
	length := metadata.HeaderSize + size

	mem, err := l.mapper.Map(length)
	if err != nil {
		fatal(l.logger, errors.Mark(errors.Wrapf(err, "failed to map %d bytes", length), ErrOutOfMemory))
	}
	l.mapCalls++

	block := &mappedBlock{mem: mem, next: l.head}
	block.header().Init(size, metadata.StatusMapped, noBlock)

	l.head = block
	l.count++
	l.index.Put(block.pointer(), block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "mapping created",
		slog.Uint64("address", uint64(system.Address(mem))),
		slog.Int("length", length))
	l.callbacks.Map(system.Address(mem), length)

	return block
}

// find resolves a payload pointer to its block and the block before it in the list. prev is
// nil when the block is the head.
func (l *mappingList) find(p Pointer) (prev *mappedBlock, block *mappedBlock, result lookupResult) {
	block, ok := l.index.Get(p)
	if !ok {
		return nil, nil, lookupNotFound
	}

	current := l.head
	for current != nil && current != block {
		prev = current
		current = current.next
	}

	if current == nil {
		panic("mapped block is indexed but not in the mapping list")
	}

	header := block.header()
	if !header.IsValid() || header.Status != metadata.StatusMapped {
		fatal(l.logger, errors.Wrapf(ErrInvalidPointer, "mapping for %#x has a corrupt header", uintptr(p)))
	}

	return prev, block, lookupFound
}

// resize changes the payload capacity of block to size. The mapping may move; the block keeps
// its place in the list.
func (l *mappingList) resize(block *mappedBlock, size int) {
	size = memutils.AlignUp(size, metadata.Alignment)
	length := metadata.HeaderSize + size
	oldPointer := block.pointer()

	mem, err := l.mapper.Remap(block.mem, length)
	if err != nil {
		fatal(l.logger, errors.Mark(errors.Wrapf(err, "failed to resize a mapping to %d bytes", length), ErrOutOfMemory))
	}
	l.remapCalls++

	l.index.Delete(oldPointer)
	block.mem = mem
	block.header().Size = uint64(size)
	l.index.Put(block.pointer(), block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "mapping resized",
		slog.Uint64("address", uint64(system.Address(mem))),
		slog.Int("length", length))
	l.callbacks.Remap(system.Address(mem), length)
}

// unlink removes block from the list and the index. Its mapping is untouched.
func (l *mappingList) unlink(prev, block *mappedBlock) {
	if prev == nil {
		l.head = block.next
	} else {
		prev.next = block.next
	}
	block.next = nil
	l.count--
	l.index.Delete(block.pointer())
}

// unmap destroys the mapping behind an unlinked block
func (l *mappingList) unmap(block *mappedBlock) error {
	address := system.Address(block.mem)
	length := len(block.mem)

	err := l.mapper.Unmap(block.mem)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %d bytes at %#x", length, address)
	}
	l.unmapCalls++
	block.mem = nil

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "mapping destroyed",
		slog.Uint64("address", uint64(address)),
		slog.Int("length", length))
	l.callbacks.Unmap(address, length)
	return nil
}

// release unlinks block and destroys its mapping
func (l *mappingList) release(prev, block *mappedBlock) {
	l.unlink(prev, block)

	err := l.unmap(block)
	if err != nil {
		fatal(l.logger, err)
	}
}

// destroy unmaps every mapping. Mappings that fail to unmap are dropped from the list anyway
// and their errors are combined.
func (l *mappingList) destroy() error {
	var err error

	for l.head != nil {
		block := l.head
		l.unlink(nil, block)

		unmapErr := l.unmap(block)
		if unmapErr != nil {
			err = errors.CombineErrors(err, unmapErr)
		}
	}

	return err
}

// free destroys the mapping behind p. It returns false if p is not a mapped block.
func (l *mappingList) free(p Pointer) bool {
	prev, block, result := l.find(p)
	if result != lookupFound {
		return false
	}

	l.release(prev, block)
	return true
}

func (l *mappingList) IsEmpty() bool {
	return l.count == 0
}

func (l *mappingList) visitAllBlocks(handleBlock func(p Pointer, size int, length int) error) error {
	for block := l.head; block != nil; block = block.next {
		err := handleBlock(block.pointer(), block.header().PayloadSize(), len(block.mem))
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *mappingList) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for block := l.head; block != nil; block = block.next {
		stats.AddBlock(len(block.mem))
		stats.AddAllocation(block.header().PayloadSize())
	}
}

func (l *mappingList) Validate() error {
	actualCount := 0

	for block := l.head; block != nil; block = block.next {
		actualCount++
		if actualCount > l.count {
			return errors.Errorf("the mapping list holds more blocks than the %d it has recorded", l.count)
		}

		header := block.header()
		if !header.IsValid() || header.Status != metadata.StatusMapped {
			return errors.Errorf("mapping at %#x has a corrupt header", system.Address(block.mem))
		}
		if !memutils.IsAligned(header.Size, metadata.Alignment) {
			return errors.Errorf("mapping at %#x has size %d, which is not %d-byte aligned", system.Address(block.mem), header.Size, metadata.Alignment)
		}
		if len(block.mem) != metadata.HeaderSize+header.PayloadSize() {
			return errors.Errorf("mapping at %#x is %d bytes, but its header describes %d", system.Address(block.mem), len(block.mem), metadata.HeaderSize+header.PayloadSize())
		}

		indexed, ok := l.index.Get(block.pointer())
		if !ok || indexed != block {
			return errors.Errorf("mapping at %#x is missing from the index", system.Address(block.mem))
		}
	}

	if actualCount != l.count {
		return errors.Errorf("the listed number of mappings (%d) does not match the actual number of mappings (%d)", l.count, actualCount)
	}

	if l.index.Count() != l.count {
		return errors.Errorf("the mapping index holds %d entries, but there are %d mappings", l.index.Count(), l.count)
	}

	return nil
}
