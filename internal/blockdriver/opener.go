package blockdriver

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/asig/vhdindex/internal/vherrors"
)

// FileTableOpener resolves file_ids against a loaded file table's
// entries and opens the backing VHD with O_DIRECT, falling back to a
// cached open when direct I/O isn't available on the underlying
// filesystem — the same fallback vhdfile.Open uses.
type FileTableOpener struct {
	paths map[uint32]string
}

// NewFileTableOpener builds an Opener from a file_id -> path mapping,
// typically derived from indexstore.FileTable.Load's resolved entries.
func NewFileTableOpener(paths map[uint32]string) *FileTableOpener {
	return &FileTableOpener{paths: paths}
}

func (o *FileTableOpener) Open(fileID uint32) (FileHandle, error) {
	path, ok := o.paths[fileID]
	if !ok {
		return nil, fmt.Errorf("blockdriver: no file table entry for file_id %d: %w", fileID, vherrors.NoSuchEntity)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err == nil {
		return os.NewFile(uintptr(fd), path), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockdriver: open %s: %w", path, err)
	}
	return f, nil
}
