//go:build unix

package system

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapMapper is a Mapper that calls straight through to mmap, mremap and munmap
type MmapMapper struct{}

var _ Mapper = MmapMapper{}

func NewMmapMapper() MmapMapper {
	return MmapMapper{}
}

func (MmapMapper) Map(length int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			err = errors.Mark(err, ErrNoMemory)
		}
		return nil, errors.Wrapf(err, "mmap: failed to map %d bytes", length)
	}
	return mem, nil
}

func (MmapMapper) Remap(mem []byte, length int) ([]byte, error) {
	resized, err := remap(mem, length)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			err = errors.Mark(err, ErrNoMemory)
		}
		return nil, errors.Wrapf(err, "mremap: failed to resize mapping from %d to %d bytes", len(mem), length)
	}
	return resized, nil
}

func (MmapMapper) Unmap(mem []byte) error {
	err := unix.Munmap(mem)
	if err != nil {
		return errors.Wrapf(err, "munmap: failed to unmap %d bytes", len(mem))
	}
	return nil
}
