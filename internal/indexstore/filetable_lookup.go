package indexstore

import (
	"path/filepath"

	"github.com/google/uuid"
)

// FindOrAdd returns the file_id already recorded for path, resolving
// relative entries against the table's directory for comparison, or
// adds a new entry (with the given uuid/mtime) and returns its fresh
// file_id if path isn't present yet (spec §4.D: "ensure file_id for W
// in the file table (add if new)").
func (ft *FileTable) FindOrAdd(path string, vhdUUID uuid.UUID, vhdMtime uint32) (uint32, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}

	entries, err := ft.All()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		resolved, err := ResolveRelative(ft.path, e.Path)
		if err != nil {
			return 0, err
		}
		if resolved == abs {
			return e.FileID, nil
		}
	}

	return ft.Add(abs, vhdUUID, vhdMtime)
}
