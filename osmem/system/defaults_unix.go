//go:build unix

package system

import "golang.org/x/sys/unix"

// NewDefaultBreak returns the host's preferred Break with room for reservation bytes
func NewDefaultBreak(reservation int) (Break, error) {
	return NewReservedBreak(reservation)
}

// NewDefaultMapper returns the host's preferred Mapper
func NewDefaultMapper() Mapper {
	return NewMmapMapper()
}

// PageSize returns the host's memory page size
func PageSize() int {
	return unix.Getpagesize()
}
