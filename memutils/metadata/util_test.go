package metadata_test

import "unsafe"

// unsafeBytes views 8-byte aligned storage as bytes
func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}
