//go:build linux

package system

import "golang.org/x/sys/unix"

func remap(mem []byte, length int) ([]byte, error) {
	return unix.Mremap(mem, length, unix.MREMAP_MAYMOVE)
}

// reserveFlags keeps untouched pages of a reservation from counting against commit limits
const reserveFlags = unix.MAP_NORESERVE
