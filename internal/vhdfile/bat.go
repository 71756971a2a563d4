package vhdfile

import "github.com/asig/vhdindex/internal/wire"

// BatUnused is the sentinel BAT-entry / index-entry value meaning
// "no stored block" / "not yet indexed" (spec §3, §6).
const BatUnused = 0xFFFFFFFF

// BlockCount returns the number of virtual blocks materialized by the
// BAT: curr_size / BlockSize, even when MaxTableEntries (preallocation)
// is larger (spec §4.B).
func (v *VHD) BlockCount() uint32 {
	return uint32((v.footer.CurrentSize + uint64(v.header.BlockSize) - 1) / uint64(v.header.BlockSize))
}

// SectorsPerBlock returns spb = BlockSize / 512.
func (v *VHD) SectorsPerBlock() uint32 {
	return v.header.BlockSize / wire.SectorSize
}

// BitmapSectors returns bm_secs = ceil(spb/8/512), the number of
// sectors occupied by one block's allocation bitmap.
func (v *VHD) BitmapSectors() uint32 {
	spb := v.SectorsPerBlock()
	bits := (spb + 7) / 8
	return (bits + wire.SectorSize - 1) / wire.SectorSize
}

// ReadBAT reads the block allocation table and returns one sector
// offset per materialized virtual block; an entry is BatUnused when
// the corresponding block carries no stored data.
func (v *VHD) ReadBAT() ([]uint32, error) {
	n := v.BlockCount()
	raw := make([]byte, n*4)
	if _, err := v.f.ReadAt(raw, int64(v.header.TableOffset)); err != nil {
		return nil, wrapShortIo(err, "vhdfile: read BAT")
	}
	entries := make([]uint32, n)
	for i := range entries {
		entries[i] = wire.Uint32(raw, i*4)
	}
	return entries, nil
}
