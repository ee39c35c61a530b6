//go:build unix && !linux

package system

import "golang.org/x/sys/unix"

// remap emulates mremap(MREMAP_MAYMOVE) where it is unavailable by mapping fresh memory and
// copying across
func remap(mem []byte, length int) ([]byte, error) {
	resized, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	copy(resized, mem)
	err = unix.Munmap(mem)
	if err != nil {
		_ = unix.Munmap(resized)
		return nil, err
	}

	return resized, nil
}

const reserveFlags = 0
