// Package util holds the small arithmetic and byte-order helpers used by
// heap (Roundup) and elf (Readn, Roundup, Rounddown). None of it is
// kernel-specific; it exists so those packages don't each reinvent
// round-up-to-page-size math.
package util

import "unsafe"

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Rounddown returns the largest multiple of b that is <= v.
func Rounddown(v int, b int) int {
	return v - (v % b)
}

// Roundup returns the smallest multiple of b that is >= v.
func Roundup(v int, b int) int {
	return Rounddown(v+b-1, b)
}

// Readn reads an n-byte little-endian unsigned integer out of a at offset
// off. n must be 1, 2, 4, or 8. Unlike a bare unsafe.Pointer cast, this
// checks off+n against len(a) first: a's caller is usually parsing a
// bounded-but-untrusted-length record (an ELF header, a tar block) where
// indexing a[off] alone can be in range while the n-byte word starting
// there still runs past the end of the backing array.
func Readn(a []uint8, n int, off int) uint64 {
	if off < 0 || n < 0 || off+n > len(a) {
		panic("util.Readn: out of range")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*uint64)(p)
	case 4:
		return uint64(*(*uint32)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 1:
		return uint64(*(*uint8)(p))
	default:
		panic("util.Readn: bad width")
	}
}

// Writen writes the low sz bytes of val into a at offset off, little-endian.
// Bounds-checked for the same reason as Readn.
func Writen(a []uint8, sz int, off int, val uint64) {
	if off < 0 || sz < 0 || off+sz > len(a) {
		panic("util.Writen: out of range")
	}
	p := unsafe.Pointer(&a[off])
	switch sz {
	case 8:
		*(*uint64)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("util.Writen: bad width")
	}
}
