package vhdfile

import (
	"encoding/binary"

	"github.com/asig/vhdindex/internal/wire"
)

// ReadBitmap reads the sector-padded allocation bitmap for virtual
// block b, given the block's BAT entry (a sector offset). Bit i is set
// when sector i of that block carries valid data rather than being
// inherited from the parent (spec §4.B).
func (v *VHD) ReadBitmap(batEntry uint32) ([]byte, error) {
	n := v.BitmapSectors() * wire.SectorSize
	raw := make([]byte, n)
	off := int64(batEntry) * wire.SectorSize
	if _, err := v.f.ReadAt(raw, off); err != nil {
		return nil, wrapShortIo(err, "vhdfile: read bitmap")
	}
	return raw, nil
}

// BitmapTest reports whether bit i of bitmap is set, using the legacy
// 32-bit-word order for images stamped tap/0x00000001 and the spec-
// compliant byte-indexed order otherwise (spec §4.B, §8 scenario 5).
// The legacy path reproduces ((u32*)map)[i>>5], a host-native-endian
// word read, not the on-disk big-endian convention everything else in
// this package uses.
func (v *VHD) BitmapTest(bitmap []byte, i uint32) bool {
	if isLegacyBitmapOrder(v.footer) {
		word := binary.NativeEndian.Uint32(bitmap[int(i>>5)*4:])
		return word&(1<<(i&31)) != 0
	}
	byteIdx := i / 8
	bit := 7 - (i % 8)
	return bitmap[byteIdx]&(1<<bit) != 0
}

// BitmapSet sets bit i of bitmap in place, respecting the same legacy
// byte-order switch as BitmapTest.
func (v *VHD) BitmapSet(bitmap []byte, i uint32) {
	if isLegacyBitmapOrder(v.footer) {
		idx := int(i>>5) * 4
		word := binary.NativeEndian.Uint32(bitmap[idx:])
		word |= 1 << (i & 31)
		binary.NativeEndian.PutUint32(bitmap[idx:], word)
		return
	}
	byteIdx := i / 8
	bit := 7 - (i % 8)
	bitmap[byteIdx] |= 1 << bit
}

// BitmapClear clears bit i of bitmap in place, respecting the same
// legacy byte-order switch as BitmapTest.
func (v *VHD) BitmapClear(bitmap []byte, i uint32) {
	if isLegacyBitmapOrder(v.footer) {
		idx := int(i>>5) * 4
		word := binary.NativeEndian.Uint32(bitmap[idx:])
		word &^= 1 << (i & 31)
		binary.NativeEndian.PutUint32(bitmap[idx:], word)
		return
	}
	byteIdx := i / 8
	bit := 7 - (i % 8)
	bitmap[byteIdx] &^= 1 << bit
}
