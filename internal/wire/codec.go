// Package wire implements the big-endian, sector-aligned binary codec
// shared by the VHD reader and the index store. All multi-byte integers
// on disk are big-endian; all arithmetic once a value is in memory is
// host-order (spec §9, "Big-endian-as-default").
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/asig/vhdindex/internal/vherrors"
)

// SectorSize is the fixed addressing unit for every on-disk structure
// the codec touches.
const SectorSize = 512

// PathCapacity is the fixed byte capacity of a stored path field,
// including the terminating NUL (spec §4.A).
const PathCapacity = 1024

// PadToSector returns n rounded up to the next multiple of SectorSize.
func PadToSector(n int) int {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}

// IsPowerOfTwo reports whether n is a power of two (n > 0).
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// PutUint32 writes v as big-endian at b[off:off+4].
func PutUint32(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:off+4], v)
}

// Uint32 reads a big-endian uint32 from b[off:off+4].
func Uint32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off : off+4])
}

// PutUint64 writes v as big-endian at b[off:off+8].
func PutUint64(b []byte, off int, v uint64) {
	binary.BigEndian.PutUint64(b[off:off+8], v)
}

// Uint64 reads a big-endian uint64 from b[off:off+8].
func Uint64(b []byte, off int) uint64 {
	return binary.BigEndian.Uint64(b[off : off+8])
}

// PutUint16 writes v as big-endian at b[off:off+2].
func PutUint16(b []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(b[off:off+2], v)
}

// Uint16 reads a big-endian uint16 from b[off:off+2].
func Uint16(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off : off+2])
}

// PutPath encodes s into a {bytes: u16, chars[PathCapacity]} field at
// b[off:off+2+PathCapacity]. The stored length includes the terminating
// NUL. Returns an error if s plus its NUL does not fit in PathCapacity.
func PutPath(b []byte, off int, s string) error {
	n := len(s) + 1 // + NUL
	if n >= PathCapacity {
		return fmt.Errorf("wire: name too long: %d >= %d", n, PathCapacity)
	}
	PutUint16(b, off, uint16(n))
	chars := b[off+2 : off+2+PathCapacity]
	for i := range chars {
		chars[i] = 0
	}
	copy(chars, s)
	return nil
}

// Path decodes a {bytes: u16, chars[PathCapacity]} field at
// b[off:off+2+PathCapacity]. The declared length must include a
// terminating NUL found within it; a length >= PathCapacity fails with
// "name too long".
func Path(b []byte, off int) (string, error) {
	n := int(Uint16(b, off))
	if n >= PathCapacity {
		return "", fmt.Errorf("wire: %d >= %d: %w", n, PathCapacity, vherrors.NameTooLong)
	}
	if n == 0 {
		return "", fmt.Errorf("wire: path length is zero")
	}
	chars := b[off+2 : off+2+PathCapacity]
	if chars[n-1] != 0 {
		return "", fmt.Errorf("wire: path not NUL-terminated within declared length %d", n)
	}
	return string(chars[:n-1]), nil
}

// PathFieldSize is the on-disk size of a path field (length prefix + capacity).
const PathFieldSize = 2 + PathCapacity
