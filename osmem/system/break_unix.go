//go:build unix

package system

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ReservedBreak is a Break backed by a single anonymous mapping reserved up front. Where the
// host supports MAP_NORESERVE, pages only cost memory once touched. The break itself is an
// offset inside the reservation; the Go runtime owns the real program break.
type ReservedBreak struct {
	mem []byte
	brk int
}

var _ Break = &ReservedBreak{}
var _ Releaser = &ReservedBreak{}

// NewReservedBreak reserves reservation bytes of address space for a break to grow into
func NewReservedBreak(reservation int) (*ReservedBreak, error) {
	mem, err := unix.Mmap(-1, 0, reservation,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|reserveFlags)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for the break", reservation)
	}

	return &ReservedBreak{mem: mem}, nil
}

func (b *ReservedBreak) Sbrk(delta int) (uintptr, error) {
	if delta < 0 {
		return 0, errors.Newf("negative break delta %d", delta)
	}

	prev := Address(b.mem) + uintptr(b.brk)
	if delta > len(b.mem)-b.brk {
		return 0, errors.Wrapf(ErrNoMemory, "sbrk(%d): %v", delta, unix.ENOMEM)
	}

	b.brk += delta
	return prev, nil
}

func (b *ReservedBreak) Segment() []byte {
	return b.mem[:b.brk:b.brk]
}

// Release returns the whole reservation to the OS. The break must not be used afterward.
func (b *ReservedBreak) Release() error {
	if b.mem == nil {
		return nil
	}

	err := unix.Munmap(b.mem)
	b.mem = nil
	b.brk = 0
	return err
}
