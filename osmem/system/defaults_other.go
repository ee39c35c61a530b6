//go:build !unix

package system

import "os"

// NewDefaultBreak returns the host's preferred Break with room for reservation bytes. Hosts
// without mmap get a Go-backed break, which commits the whole reservation immediately.
func NewDefaultBreak(reservation int) (Break, error) {
	return NewMemoryBreak(reservation), nil
}

// NewDefaultMapper returns the host's preferred Mapper
func NewDefaultMapper() Mapper {
	return NewMemoryMapper(0)
}

// PageSize returns the host's memory page size
func PageSize() int {
	return os.Getpagesize()
}
