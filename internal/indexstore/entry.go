// Package indexstore implements the three on-disk index files
// (.index, .files, .bat): creation, append-only block allocation, the
// file table, and the per-VHD BAT-of-indices (spec §4.C).
package indexstore

import "github.com/asig/vhdindex/internal/wire"

// Entry identifies, for one virtual sector, where its data lives:
// file_id == 0 or Offset == Unused means "not yet indexed / sparse"
// (spec §3).
type Entry struct {
	FileID uint32
	Offset uint32
}

// Unused is the sentinel Entry.Offset value for an unindexed sector.
const Unused = 0xFFFFFFFF

// entrySize is the on-disk size of one Entry: file_id:u32 + offset:u32.
const entrySize = 8

// BlockByteSize returns the sector-padded on-disk size of an index
// block holding spb entries.
func BlockByteSize(spb uint32) int {
	return wire.PadToSector(int(spb) * entrySize)
}

func encodeEntries(entries []Entry, spb uint32) []byte {
	buf := make([]byte, BlockByteSize(spb))
	for i, e := range entries {
		off := i * entrySize
		wire.PutUint32(buf, off, e.FileID)
		wire.PutUint32(buf, off+4, e.Offset)
	}
	return buf
}

// DecodeBlock decodes a raw block buffer (as read by an async metadata
// I/O) into its spb index entries; exported for the block driver's
// metadata-completion path.
func DecodeBlock(buf []byte, spb uint32) []Entry {
	return decodeEntries(buf, spb)
}

func decodeEntries(buf []byte, spb uint32) []Entry {
	entries := make([]Entry, spb)
	for i := range entries {
		off := i * entrySize
		entries[i] = Entry{
			FileID: wire.Uint32(buf, off),
			Offset: wire.Uint32(buf, off+4),
		}
	}
	return entries
}

// IsUnindexed reports whether e represents an unindexed / sparse
// sector (spec §3: file_id == 0 or offset == Unused).
func (e Entry) IsUnindexed() bool {
	return e.FileID == 0 || e.Offset == Unused
}

// NewIndexBlock returns spb fresh unindexed entries (file_id 0, Offset
// Unused).
func NewIndexBlock(spb uint32) []Entry {
	entries := make([]Entry, spb)
	for i := range entries {
		entries[i] = Entry{FileID: 0, Offset: Unused}
	}
	return entries
}
