package vhdfile

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/asig/vhdindex/internal/vherrors"
	"github.com/asig/vhdindex/internal/wire"
)

const numParentLocators = 8

// ParentLocatorEntry is one of the (up to 8) parent-locator records in
// a dynamic-disk header; spec §4.B only decodes MACX, W2KU and W2RU.
type ParentLocatorEntry struct {
	PlatformCode       string
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	PlatformDataOffset uint64
}

const (
	platformMACX = "MacX"
	platformW2KU = "W2ku"
	platformW2RU = "W2ru"
)

// Header is the 1024-byte "dynamic disk header" that follows the
// footer's DataOffset for dynamic and differencing disks.
type Header struct {
	Cookie            string
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	ParentUniqueId    uuid.UUID
	ParentTimeStamp   uint32
	ParentUnicodeName string
	ParentLocators    [numParentLocators]ParentLocatorEntry
	Checksum          uint32
}

func headerChecksum(raw []byte) uint32 {
	tmp := make([]byte, len(raw))
	copy(tmp, raw)
	wire.PutUint32(tmp, 36, 0)
	var sum uint32
	for _, c := range tmp {
		sum += uint32(c)
	}
	return ^sum
}

func parseHeader(raw []byte, legacyBigEndianName bool) (Header, error) {
	if len(raw) != headerSize {
		return Header{}, fmt.Errorf("vhdfile: header has unexpected length %d: %w", len(raw), vherrors.InvalidArgument)
	}

	var h Header
	h.Cookie = string(bytes.TrimRight(raw[0:8], "\x00"))
	if h.Cookie != cookieCxsparse {
		return Header{}, fmt.Errorf("vhdfile: bad header cookie %q: %w", h.Cookie, vherrors.ChecksumMismatch)
	}

	checksum := wire.Uint32(raw, 36)
	if headerChecksum(raw) != checksum {
		return Header{}, fmt.Errorf("vhdfile: header checksum mismatch: %w", vherrors.ChecksumMismatch)
	}

	h.TableOffset = wire.Uint64(raw, 16)
	h.HeaderVersion = wire.Uint32(raw, 24)
	h.MaxTableEntries = wire.Uint32(raw, 28)
	h.BlockSize = wire.Uint32(raw, 32)
	if !wire.IsPowerOfTwo(h.BlockSize) {
		return Header{}, fmt.Errorf("vhdfile: block size %d is not a power of two: %w", h.BlockSize, vherrors.InvalidArgument)
	}
	copy(h.ParentUniqueId[:], raw[40:56])
	h.ParentTimeStamp = wire.Uint32(raw, 56)

	h.ParentUnicodeName = decodeUTF16Name(raw[64:64+512], legacyBigEndianName)

	for i := 0; i < numParentLocators; i++ {
		off := 576 + i*24
		h.ParentLocators[i] = ParentLocatorEntry{
			PlatformCode:       string(raw[off : off+4]),
			PlatformDataSpace:  wire.Uint32(raw, off+4),
			PlatformDataLength: wire.Uint32(raw, off+8),
			PlatformDataOffset: wire.Uint64(raw, off+16),
		}
	}
	h.Checksum = checksum

	return h, nil
}

// decodeUTF16Name decodes a fixed 512-byte UTF-16 parent name field.
// Big-endian for images stamped "tap" + creator version 0.1, little-
// endian otherwise (spec §4.B).
func decodeUTF16Name(raw []byte, bigEndian bool) string {
	return decodeUTF16(raw, bigEndian)
}
