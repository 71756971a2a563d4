package indexstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/asig/vhdindex/internal/vherrors"
	"github.com/asig/vhdindex/internal/vhdfile"
	"github.com/asig/vhdindex/internal/wire"
)

const (
	filesMagic      = "vhdifile"
	filesHeaderSize = wire.SectorSize
	fileEntrySize   = wire.PathFieldSize + 4 + 16 + 4
)

// FileTableEntry is one backing-file reference: (file_id, path,
// vhd_uuid, vhd_mtime) — spec §3.
type FileTableEntry struct {
	Path          string
	FileID        uint32
	VhdUUID       uuid.UUID
	VhdTimestamp  uint32 // seconds since the VHD epoch (2000-01-01 UTC)
}

// FileTable owns one chain's .files file.
type FileTable struct {
	f    *os.File
	path string
}

// CreateFileTable initializes a new, empty .files file.
func CreateFileTable(path string) (*FileTable, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("indexstore: %s already exists: %w", path, vherrors.InvalidArgument)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: create %s: %w", path, err)
	}
	ft := &FileTable{f: f, path: path}
	if err := ft.writeHeader(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return ft, nil
}

// OpenFileTable opens an existing .files file without validating its
// entries; use Load to validate each entry against its referenced VHD.
func OpenFileTable(path string) (*FileTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", path, err)
	}
	return &FileTable{f: f, path: path}, nil
}

func (ft *FileTable) Close() error { return ft.f.Close() }

func (ft *FileTable) readHeader() (count uint32, tableOffset uint64, err error) {
	header := make([]byte, filesHeaderSize)
	if _, err := ft.f.ReadAt(header, 0); err != nil {
		return 0, 0, fmt.Errorf("indexstore: read file-table header: %w", err)
	}
	magic := string(header[0:8])
	if magic != filesMagic {
		return 0, 0, fmt.Errorf("indexstore: %s: bad magic %q: %w", ft.path, magic, vherrors.InvalidArgument)
	}
	count = wire.Uint32(header, 8)
	tableOffset = wire.Uint64(header, 12)
	return count, tableOffset, nil
}

func (ft *FileTable) writeHeader(count uint32) error {
	header := make([]byte, filesHeaderSize)
	copy(header[0:8], filesMagic)
	wire.PutUint32(header, 8, count)
	wire.PutUint64(header, 12, filesHeaderSize)
	_, err := ft.f.WriteAt(header, 0)
	return err
}

func encodeFileEntry(e FileTableEntry) ([]byte, error) {
	buf := make([]byte, fileEntrySize)
	if err := wire.PutPath(buf, 0, e.Path); err != nil {
		return nil, err
	}
	off := wire.PathFieldSize
	wire.PutUint32(buf, off, e.FileID)
	copy(buf[off+4:off+20], e.VhdUUID[:])
	wire.PutUint32(buf, off+20, e.VhdTimestamp)
	return buf, nil
}

func decodeFileEntry(buf []byte) (FileTableEntry, error) {
	path, err := wire.Path(buf, 0)
	if err != nil {
		return FileTableEntry{}, err
	}
	off := wire.PathFieldSize
	var e FileTableEntry
	e.Path = path
	e.FileID = wire.Uint32(buf, off)
	copy(e.VhdUUID[:], buf[off+4:off+20])
	e.VhdTimestamp = wire.Uint32(buf, off+20)
	return e, nil
}

// Add resolves path to its absolute form, rejects a duplicate, assigns
// file_id = max(existing fids)+1, and appends a new entry carrying the
// referenced VHD's uuid and mtime (spec §4.C). On any error the file is
// truncated back to its pre-append length.
func (ft *FileTable) Add(path string, vhdUUID uuid.UUID, vhdMtime uint32) (uint32, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}

	count, _, err := ft.readHeader()
	if err != nil {
		return 0, err
	}

	info, err := ft.f.Stat()
	if err != nil {
		return 0, err
	}
	preLen := info.Size()

	var maxID uint32
	for i := uint32(0); i < count; i++ {
		entry, err := ft.readEntryAt(i)
		if err != nil {
			return 0, err
		}
		resolved, err := ResolveRelative(ft.path, entry.Path)
		if err != nil {
			return 0, err
		}
		if resolved == abs {
			return 0, fmt.Errorf("indexstore: %s already in file table: %w", abs, vherrors.InvalidArgument)
		}
		if entry.FileID > maxID {
			maxID = entry.FileID
		}
	}

	relPath, err := RelativePath(ft.path, abs)
	if err != nil {
		return 0, err
	}

	newID := maxID + 1
	entry := FileTableEntry{Path: relPath, FileID: newID, VhdUUID: vhdUUID, VhdTimestamp: vhdMtime}
	buf, err := encodeFileEntry(entry)
	if err != nil {
		return 0, err
	}

	entryOff := filesHeaderSize + int64(count)*fileEntrySize
	if _, err := ft.f.WriteAt(buf, entryOff); err != nil {
		ft.f.Truncate(preLen)
		return 0, fmt.Errorf("indexstore: append file entry: %w: %v", vherrors.ShortIo, err)
	}
	if err := ft.writeHeader(count + 1); err != nil {
		ft.f.Truncate(preLen)
		return 0, err
	}

	return newID, nil
}

func (ft *FileTable) readEntryAt(index uint32) (FileTableEntry, error) {
	buf := make([]byte, fileEntrySize)
	off := filesHeaderSize + int64(index)*fileEntrySize
	if _, err := ft.f.ReadAt(buf, off); err != nil {
		return FileTableEntry{}, fmt.Errorf("indexstore: read file entry %d: %w: %v", index, vherrors.ShortIo, err)
	}
	return decodeFileEntry(buf)
}

// All returns every entry currently in the table, without verification.
func (ft *FileTable) All() ([]FileTableEntry, error) {
	count, _, err := ft.readHeader()
	if err != nil {
		return nil, err
	}
	entries := make([]FileTableEntry, count)
	for i := uint32(0); i < count; i++ {
		e, err := ft.readEntryAt(i)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// Load reads every entry and, for each, re-resolves its path relative
// to the file table's directory, opens the referenced VHD, and
// verifies that the stored uuid and mtime still match. Any mismatch
// fails the whole load with no partial rollback (spec §4.C, §7).
func (ft *FileTable) Load() ([]FileTableEntry, error) {
	entries, err := ft.All()
	if err != nil {
		return nil, err
	}

	for i, e := range entries {
		resolved, err := ResolveRelative(ft.path, e.Path)
		if err != nil {
			return nil, err
		}
		entries[i].Path = resolved

		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("indexstore: file-table entry %d (%s): %w: %v", e.FileID, resolved, vherrors.NoSuchEntity, err)
		}

		v, err := vhdfile.Open(resolved, vhdfile.OpenFlags{Cached: true})
		if err != nil {
			return nil, fmt.Errorf("indexstore: file-table entry %d (%s): %w", e.FileID, resolved, err)
		}
		uuidOK := v.Footer().UniqueId == e.VhdUUID
		mtimeOK := ToVhdTimestamp(info.ModTime()) == e.VhdTimestamp
		v.Close()

		if !uuidOK || !mtimeOK {
			return nil, fmt.Errorf("indexstore: file-table entry %d (%s): stored uuid/mtime no longer matches: %w", e.FileID, resolved, vherrors.UuidOrTimestampMismatch)
		}
	}

	return entries, nil
}

// ToVhdTimestamp converts a host time.Time to the VHD epoch (seconds
// since 2000-01-01 00:00:00 UTC), truncating sub-second precision.
func ToVhdTimestamp(t time.Time) uint32 {
	return uint32(t.Unix() - vhdfile.VhdEpochOffset)
}
