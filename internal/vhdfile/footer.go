// Package vhdfile reads (read-only) VHD dynamic-disk images: footer,
// header, BAT, allocation bitmaps, parent locators and raw sector
// blocks. It never writes; creation, snapshotting, batmap bookkeeping
// and resize are out of scope (spec §1) and live in the external
// libvhd-equivalent tooling this package doesn't implement.
package vhdfile

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/asig/vhdindex/internal/vherrors"
	"github.com/asig/vhdindex/internal/wire"
)

const (
	footerSize      = 512
	shortFooterSize = 511
	headerSize      = 1024

	cookieConectix = "conectix"
	cookieCxsparse = "cxsparse"

	// DiskTypeDynamic and DiskTypeDifferencing are the two footer
	// DiskType values this package understands; fixed-disk (2) VHDs
	// have no header/BAT and are rejected by Open.
	DiskTypeDynamic      = 3
	DiskTypeDifferencing = 4

	// VhdEpochOffset is the number of seconds between the Unix epoch
	// and the VHD epoch (2000-01-01 00:00:00 UTC).
	VhdEpochOffset = 946684800
)

// Footer is the 512-byte (or 511-byte "short") structure present at
// the start and/or end of every VHD file.
type Footer struct {
	Cookie             string
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication string
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueId           uuid.UUID
	SavedState         byte
}

func decodeFooter(b []byte) Footer {
	var f Footer
	f.Cookie = string(bytes.TrimRight(b[0:8], "\x00"))
	f.Features = wire.Uint32(b, 8)
	f.FileFormatVersion = wire.Uint32(b, 12)
	f.DataOffset = wire.Uint64(b, 16)
	f.TimeStamp = wire.Uint32(b, 24)
	f.CreatorApplication = string(bytes.TrimRight(b[28:32], "\x00"))
	f.CreatorVersion = wire.Uint32(b, 32)
	f.CreatorHostOS = wire.Uint32(b, 36)
	f.OriginalSize = wire.Uint64(b, 40)
	f.CurrentSize = wire.Uint64(b, 48)
	f.DiskGeometry = wire.Uint32(b, 56)
	f.DiskType = wire.Uint32(b, 60)
	f.Checksum = wire.Uint32(b, 64)
	copy(f.UniqueId[:], b[68:84])
	f.SavedState = b[84]
	return f
}

// footerChecksum computes the one's-complement sum of all footer
// bytes with the checksum field zeroed (spec §4.B).
func footerChecksum(raw []byte) uint32 {
	tmp := make([]byte, len(raw))
	copy(tmp, raw)
	wire.PutUint32(tmp, 64, 0)
	var sum uint32
	for _, c := range tmp {
		sum += uint32(c)
	}
	return ^sum
}

// parseFooter decodes and validates raw footer bytes (512 or 511
// bytes), including the legacy "hidden byte toggled without
// rechecksum" recovery for early tap-produced images.
func parseFooter(raw []byte) (Footer, error) {
	if len(raw) != footerSize && len(raw) != shortFooterSize {
		return Footer{}, fmt.Errorf("vhdfile: footer has unexpected length %d: %w", len(raw), vherrors.InvalidArgument)
	}
	full := raw
	if len(raw) == shortFooterSize {
		full = append(append([]byte{}, raw...), 0)
	}

	f := decodeFooter(full)
	if f.Cookie != cookieConectix {
		return Footer{}, fmt.Errorf("vhdfile: bad footer cookie %q: %w", f.Cookie, vherrors.ChecksumMismatch)
	}

	if footerChecksum(full) == f.Checksum {
		return f, nil
	}

	// Legacy recovery: some early "tap" images toggled the hidden
	// (SavedState) byte without recomputing the checksum. Re-zero it
	// and retry once.
	legacy := append([]byte{}, full...)
	legacy[84] = 0
	if footerChecksum(legacy) == f.Checksum {
		return decodeFooter(legacy), nil
	}

	return Footer{}, fmt.Errorf("vhdfile: footer checksum mismatch: %w", vherrors.ChecksumMismatch)
}
