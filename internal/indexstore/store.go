package indexstore

import (
	"fmt"
	"os"

	"github.com/asig/vhdindex/internal/vherrors"
	"github.com/asig/vhdindex/internal/wire"
)

const (
	indexMagic      = "vhdindex"
	indexHeaderSize = wire.SectorSize
)

// Store owns one chain's .index file: a fixed header followed by
// appended, sector-aligned index blocks (spec §4.C).
type Store struct {
	f         *os.File
	path      string
	blockSize uint32
	spb       uint32
}

// Create initializes a new .index file with the given VHD block size.
// It refuses to overwrite an existing path.
func Create(path string, blockSize uint32) (*Store, error) {
	if !wire.IsPowerOfTwo(blockSize) {
		return nil, fmt.Errorf("indexstore: block size %d is not a power of two: %w", blockSize, vherrors.InvalidArgument)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("indexstore: %s already exists: %w", path, vherrors.InvalidArgument)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: create %s: %w", path, err)
	}

	header := make([]byte, indexHeaderSize)
	copy(header[0:8], indexMagic)
	wire.PutUint32(header, 8, blockSize)
	wire.PutUint64(header, 12, indexHeaderSize)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("indexstore: write header: %w", err)
	}

	return &Store{f: f, path: path, blockSize: blockSize, spb: blockSize / wire.SectorSize}, nil
}

// Open opens an existing .index file and validates its header.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", path, err)
	}

	header := make([]byte, indexHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("indexstore: read header: %w", err)
	}
	magic := string(header[0:8])
	if magic != indexMagic {
		f.Close()
		return nil, fmt.Errorf("indexstore: %s: bad magic %q: %w", path, magic, vherrors.InvalidArgument)
	}
	blockSize := wire.Uint32(header, 8)
	if !wire.IsPowerOfTwo(blockSize) {
		f.Close()
		return nil, fmt.Errorf("indexstore: %s: bad block size %d: %w", path, blockSize, vherrors.InvalidArgument)
	}

	return &Store{f: f, path: path, blockSize: blockSize, spb: blockSize / wire.SectorSize}, nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error { return s.f.Close() }

// BlockSize returns the VHD block size this index was created for.
func (s *Store) BlockSize() uint32 { return s.blockSize }

// SectorsPerBlock returns spb = BlockSize / 512.
func (s *Store) SectorsPerBlock() uint32 { return s.spb }

// AppendBlock writes a new index block at the end of the file, padding
// the current position up to the next sector boundary first, and
// returns the block's starting sector offset. On failure it truncates
// back to the pre-append length (spec §4.C, §7 IoError policy).
func (s *Store) AppendBlock(entries []Entry) (uint32, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("indexstore: stat: %w", err)
	}
	preLen := info.Size()
	padded := int64(wire.PadToSector(int(preLen)))

	buf := encodeEntries(entries, s.spb)
	if _, err := s.f.WriteAt(buf, padded); err != nil {
		s.f.Truncate(preLen)
		return 0, fmt.Errorf("indexstore: append block: %w: %v", vherrors.ShortIo, err)
	}

	return uint32(padded / wire.SectorSize), nil
}

// WriteBlock overwrites an existing block in place. It assumes
// len(entries) == SectorsPerBlock().
func (s *Store) WriteBlock(entries []Entry, sector uint32) error {
	buf := encodeEntries(entries, s.spb)
	off := int64(sector) * wire.SectorSize
	if _, err := s.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("indexstore: write block at sector %d: %w: %v", sector, vherrors.ShortIo, err)
	}
	return nil
}

// RawFile exposes the underlying *os.File so the block driver can
// submit its own async metadata reads against the shared .index file
// instead of going through the synchronous ReadBlock path.
func (s *Store) RawFile() *os.File { return s.f }

// BlockOffset converts a block's starting sector into an absolute
// byte offset within the .index file.
func (s *Store) BlockOffset(sector uint32) int64 { return int64(sector) * wire.SectorSize }

// ReadBlock reads the index block starting at the given sector offset.
func (s *Store) ReadBlock(sector uint32) ([]Entry, error) {
	buf := make([]byte, BlockByteSize(s.spb))
	off := int64(sector) * wire.SectorSize
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("indexstore: read block at sector %d: %w: %v", sector, vherrors.ShortIo, err)
	}
	return decodeEntries(buf, s.spb), nil
}
