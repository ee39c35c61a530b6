package system

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// MemoryBreak is a Break over a fixed Go allocation. It never relocates, so it satisfies the
// Break contract up to its limit, past which Sbrk fails with ErrNoMemory.
type MemoryBreak struct {
	mem       []byte
	brk       int
	sbrkCalls int
}

var _ Break = &MemoryBreak{}
var _ Releaser = &MemoryBreak{}

// NewMemoryBreak creates a MemoryBreak that can grow to limit bytes
func NewMemoryBreak(limit int) *MemoryBreak {
	return &MemoryBreak{mem: make([]byte, limit)}
}

func (b *MemoryBreak) Sbrk(delta int) (uintptr, error) {
	if delta < 0 {
		return 0, errors.Newf("negative break delta %d", delta)
	}

	prev := Address(b.mem) + uintptr(b.brk)
	if delta > len(b.mem)-b.brk {
		return 0, errors.Wrapf(ErrNoMemory, "cannot extend break by %d bytes, %d of %d bytes remain", delta, len(b.mem)-b.brk, len(b.mem))
	}

	b.brk += delta
	if delta > 0 {
		b.sbrkCalls++
	}
	return prev, nil
}

func (b *MemoryBreak) Segment() []byte {
	return b.mem[:b.brk:b.brk]
}

// Len returns the current size of the segment
func (b *MemoryBreak) Len() int {
	return b.brk
}

// Release drops the break's memory. The break must not be used afterward.
func (b *MemoryBreak) Release() error {
	b.mem = nil
	b.brk = 0
	return nil
}

// SbrkCalls returns the number of successful Sbrk calls that moved the break
func (b *MemoryBreak) SbrkCalls() int {
	return b.sbrkCalls
}

// MemoryMapper is a Mapper over Go allocations. Each mapping is a distinct allocation held live
// until it is unmapped, so callers may keep its address as an identity. Growing a mapping moves
// it; shrinking one does not.
type MemoryMapper struct {
	live      *swiss.Map[uintptr, []byte]
	liveBytes int
	limit     int
}

var _ Mapper = &MemoryMapper{}

// NewMemoryMapper creates a MemoryMapper. limit caps the total bytes of live mappings;
// 0 means unlimited.
func NewMemoryMapper(limit int) *MemoryMapper {
	return &MemoryMapper{
		live:  swiss.NewMap[uintptr, []byte](8),
		limit: limit,
	}
}

func (m *MemoryMapper) Map(length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.Newf("invalid mapping length %d", length)
	}
	if m.limit > 0 && m.liveBytes+length > m.limit {
		return nil, errors.Wrapf(ErrNoMemory, "mapping %d bytes would exceed the %d byte limit", length, m.limit)
	}

	mem := make([]byte, length)
	m.live.Put(Address(mem), mem)
	m.liveBytes += length
	return mem, nil
}

func (m *MemoryMapper) Remap(mem []byte, length int) ([]byte, error) {
	old, ok := m.live.Get(Address(mem))
	if !ok {
		return nil, errors.Newf("remap of unknown mapping at %#x", Address(mem))
	}
	if length <= 0 {
		return nil, errors.Newf("invalid mapping length %d", length)
	}
	if m.limit > 0 && m.liveBytes-len(old)+length > m.limit {
		return nil, errors.Wrapf(ErrNoMemory, "remapping to %d bytes would exceed the %d byte limit", length, m.limit)
	}

	// Shrinking stays in place, like mremap
	if length <= len(old) {
		shrunk := old[:length:length]
		m.live.Put(Address(shrunk), shrunk)
		m.liveBytes -= len(old) - length
		return shrunk, nil
	}

	resized := make([]byte, length)
	copy(resized, old)

	m.live.Delete(Address(old))
	m.live.Put(Address(resized), resized)
	m.liveBytes += length - len(old)
	return resized, nil
}

func (m *MemoryMapper) Unmap(mem []byte) error {
	old, ok := m.live.Get(Address(mem))
	if !ok {
		return errors.Newf("unmap of unknown mapping at %#x", Address(mem))
	}

	m.live.Delete(Address(mem))
	m.liveBytes -= len(old)
	return nil
}

// LiveMappings returns the number of mappings that have not been unmapped
func (m *MemoryMapper) LiveMappings() int {
	return m.live.Count()
}

// LiveBytes returns the total length of live mappings
func (m *MemoryMapper) LiveBytes() int {
	return m.liveBytes
}
