package indexstore

import (
	"fmt"
	"os"

	"github.com/asig/vhdindex/internal/vherrors"
	"github.com/asig/vhdindex/internal/wire"
)

const batMagic = "vhdi-bat"

// batHeaderRawSize is the unPadded header size: magic + vhd_blocks +
// vhd_block_size + three path fields + table_offset.
const batHeaderRawSize = 8 + 8 + 4 + 3*wire.PathFieldSize + 8

// batHeaderSize is the sector-padded header size.
var batHeaderSize = wire.PadToSector(batHeaderRawSize)

// BAT owns one differencing child's <child>.bat file: a header
// recording the three related paths (VHD, .index, .files) plus
// vhd_blocks sector offsets into the shared .index (spec §4.C).
type BAT struct {
	f    *os.File
	path string

	VhdBlocks     uint64
	VhdBlockSize  uint32
	VhdPath       string
	IndexPath     string
	FileTablePath string
}

// CreateBAT initializes a new .bat file for vhdPath, paired with the
// chain's shared indexPath/fileTablePath, with vhdBlocks zero entries.
func CreateBAT(path, vhdPath, indexPath, fileTablePath string, vhdBlocks uint64, vhdBlockSize uint32) (*BAT, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("indexstore: %s already exists: %w", path, vherrors.InvalidArgument)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: create %s: %w", path, err)
	}

	b := &BAT{
		f: f, path: path,
		VhdBlocks: vhdBlocks, VhdBlockSize: vhdBlockSize,
		VhdPath: vhdPath, IndexPath: indexPath, FileTablePath: fileTablePath,
	}
	if err := b.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	zero := make([]uint32, vhdBlocks)
	if err := b.Write(zero); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return b, nil
}

func (b *BAT) writeHeader() error {
	header := make([]byte, batHeaderSize)
	copy(header[0:8], batMagic)
	wire.PutUint64(header, 8, b.VhdBlocks)
	wire.PutUint32(header, 16, b.VhdBlockSize)

	off := 20
	relVhd, err := RelativePath(b.path, b.VhdPath)
	if err != nil {
		return err
	}
	if err := wire.PutPath(header, off, relVhd); err != nil {
		return err
	}
	off += wire.PathFieldSize

	relIndex, err := RelativePath(b.path, b.IndexPath)
	if err != nil {
		return err
	}
	if err := wire.PutPath(header, off, relIndex); err != nil {
		return err
	}
	off += wire.PathFieldSize

	relFT, err := RelativePath(b.path, b.FileTablePath)
	if err != nil {
		return err
	}
	if err := wire.PutPath(header, off, relFT); err != nil {
		return err
	}
	off += wire.PathFieldSize

	wire.PutUint64(header, off, uint64(batHeaderSize))

	_, err = b.f.WriteAt(header, 0)
	return err
}

// Write overwrites the entire BAT-of-indices with entries.
func (b *BAT) Write(entries []uint32) error {
	buf := make([]byte, len(entries)*4)
	for i, e := range entries {
		wire.PutUint32(buf, i*4, e)
	}
	if _, err := b.f.WriteAt(buf, int64(batHeaderSize)); err != nil {
		return fmt.Errorf("indexstore: write bat entries: %w: %v", vherrors.ShortIo, err)
	}
	return nil
}

// Entries reads the current BAT-of-indices.
func (b *BAT) Entries() ([]uint32, error) {
	buf := make([]byte, int(b.VhdBlocks)*4)
	if _, err := b.f.ReadAt(buf, int64(batHeaderSize)); err != nil {
		return nil, fmt.Errorf("indexstore: read bat entries: %w: %v", vherrors.ShortIo, err)
	}
	entries := make([]uint32, b.VhdBlocks)
	for i := range entries {
		entries[i] = wire.Uint32(buf, i*4)
	}
	return entries, nil
}

func (b *BAT) Close() error { return b.f.Close() }

// LoadBAT opens an existing .bat file, expands its three stored
// relative paths against name's directory, and verifies that each
// referenced file exists (spec §4.C).
func LoadBAT(name string) (*BAT, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", name, err)
	}

	header := make([]byte, batHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("indexstore: read bat header: %w", err)
	}
	magic := string(header[0:8])
	if magic != batMagic {
		f.Close()
		return nil, fmt.Errorf("indexstore: %s: bad magic %q: %w", name, magic, vherrors.InvalidArgument)
	}

	b := &BAT{f: f, path: name}
	b.VhdBlocks = wire.Uint64(header, 8)
	b.VhdBlockSize = wire.Uint32(header, 16)

	off := 20
	relVhd, err := wire.Path(header, off)
	if err != nil {
		f.Close()
		return nil, err
	}
	off += wire.PathFieldSize
	relIndex, err := wire.Path(header, off)
	if err != nil {
		f.Close()
		return nil, err
	}
	off += wire.PathFieldSize
	relFT, err := wire.Path(header, off)
	if err != nil {
		f.Close()
		return nil, err
	}

	for _, resolved := range []struct {
		rel string
		dst *string
	}{
		{relVhd, &b.VhdPath},
		{relIndex, &b.IndexPath},
		{relFT, &b.FileTablePath},
	} {
		abs, err := ResolveRelative(name, resolved.rel)
		if err != nil {
			f.Close()
			return nil, err
		}
		canon, err := canonicalPath(abs)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := os.Stat(canon); err != nil {
			f.Close()
			return nil, fmt.Errorf("indexstore: %s: referenced file %s missing: %w", name, canon, vherrors.NoSuchEntity)
		}
		*resolved.dst = canon
	}

	return b, nil
}
