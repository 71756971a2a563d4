// Package builder implements the index builder (spec §4.D): it walks
// a VHD chain from an ancestor down to the root, assigning each
// allocated sector to the nearest ancestor that owns it, and folds the
// result into the shared .index/.files/.bat files.
package builder

import (
	"fmt"

	"github.com/asig/vhdindex/internal/indexstore"
	"github.com/asig/vhdindex/internal/vhdfile"
)

// Paths names the three files a build operates on, all siblings of
// the child VHD by convention: <base>.index, <base>.files, <vhd>.bat.
type Paths struct {
	IndexPath string
	FilesPath string
	BatPath   string
}

// Build resolves childPath's parent (the child itself is never
// indexed — only read-only ancestors are, per spec §4.D) and builds a
// fresh index for that parent's chain, creating .index/.files/.bat if
// they don't already exist.
func Build(paths Paths, childPath string) error {
	child, err := vhdfile.Open(childPath, vhdfile.OpenFlags{Cached: true})
	if err != nil {
		return fmt.Errorf("builder: open %s: %w", childPath, err)
	}
	defer child.Close()

	parent, err := child.OpenParent(vhdfile.OpenFlags{Cached: true})
	if err != nil {
		return fmt.Errorf("builder: resolve parent of %s: %w", childPath, err)
	}
	if parent == nil {
		return fmt.Errorf("builder: %s has no parent; only differencing children select a chain to index", childPath)
	}
	defer parent.Close()

	store, err := openOrCreateStore(paths.IndexPath, parent.Header().BlockSize)
	if err != nil {
		return err
	}
	defer store.Close()

	ft, err := openOrCreateFileTable(paths.FilesPath)
	if err != nil {
		return err
	}
	defer ft.Close()

	vhdBlocks := parent.BlockCount()
	b := make([]uint32, vhdBlocks)
	finished := make([]bool, vhdBlocks)

	if err := walk(store, ft, parent, b, finished); err != nil {
		return err
	}

	return writeBAT(paths.BatPath, parent, paths.IndexPath, paths.FilesPath, b)
}

// CloneBAT seeds B from an already-built parent .bat (rather than all
// zeros) and walks the chain appending only the entries that .bat
// doesn't already cover — used when a new differencing child is
// created from an already-indexed parent and inherits most of its
// ancestor's index wholesale (spec §4.D).
func CloneBAT(paths Paths, childPath, parentBatPath string) error {
	parentBAT, err := indexstore.LoadBAT(parentBatPath)
	if err != nil {
		return fmt.Errorf("builder: load parent bat %s: %w", parentBatPath, err)
	}
	defer parentBAT.Close()

	seed, err := parentBAT.Entries()
	if err != nil {
		return err
	}

	return buildWithSeed(paths, childPath, seed)
}

// UpdateBAT treats the existing .bat named by paths.BatPath as
// authoritative, re-walks the chain, and indexes only the blocks whose
// .bat entry is still zero. Blocks that already have an index block are
// not re-checked: a sector whose on-disk (file_id, offset) has changed
// since they were built keeps its old entry.
func UpdateBAT(paths Paths, childPath string) error {
	existing, err := indexstore.LoadBAT(paths.BatPath)
	if err != nil {
		return fmt.Errorf("builder: load existing bat %s: %w", paths.BatPath, err)
	}
	seed, err := existing.Entries()
	existing.Close()
	if err != nil {
		return err
	}

	return buildWithSeed(paths, childPath, seed)
}

func buildWithSeed(paths Paths, childPath string, seed []uint32) error {
	child, err := vhdfile.Open(childPath, vhdfile.OpenFlags{Cached: true})
	if err != nil {
		return fmt.Errorf("builder: open %s: %w", childPath, err)
	}
	defer child.Close()

	parent, err := child.OpenParent(vhdfile.OpenFlags{Cached: true})
	if err != nil {
		return fmt.Errorf("builder: resolve parent of %s: %w", childPath, err)
	}
	if parent == nil {
		return fmt.Errorf("builder: %s has no parent; only differencing children select a chain to index", childPath)
	}
	defer parent.Close()

	store, err := openOrCreateStore(paths.IndexPath, parent.Header().BlockSize)
	if err != nil {
		return err
	}
	defer store.Close()

	ft, err := openOrCreateFileTable(paths.FilesPath)
	if err != nil {
		return err
	}
	defer ft.Close()

	vhdBlocks := parent.BlockCount()
	b := make([]uint32, vhdBlocks)
	copy(b, seed)

	finished := make([]bool, vhdBlocks)
	for i, entry := range b {
		if entry != 0 {
			// A seeded block is presumed complete: the clone/update
			// variants only re-derive blocks the caller hasn't given
			// us an existing sector for (spec §4.D delta semantics).
			finished[i] = true
		}
	}

	if err := walk(store, ft, parent, b, finished); err != nil {
		return err
	}

	return writeBAT(paths.BatPath, parent, paths.IndexPath, paths.FilesPath, b)
}

func openOrCreateStore(path string, blockSize uint32) (*indexstore.Store, error) {
	if s, err := indexstore.Open(path); err == nil {
		return s, nil
	}
	return indexstore.Create(path, blockSize)
}

func openOrCreateFileTable(path string) (*indexstore.FileTable, error) {
	if ft, err := indexstore.OpenFileTable(path); err == nil {
		return ft, nil
	}
	return indexstore.CreateFileTable(path)
}

// walk implements spec §4.D's build algorithm: starting at v, fold
// each ancestor's allocated sectors into b/finished until every block
// is finished or the root (non-differencing) image is reached.
func walk(store *indexstore.Store, ft *indexstore.FileTable, v *vhdfile.VHD, b []uint32, finished []bool) error {
	spb := store.SectorsPerBlock()
	opened := false
	w := v

	for {
		if err := foldOneAncestor(store, ft, w, b, finished, spb); err != nil {
			if opened {
				w.Close()
			}
			return err
		}

		allFinished := true
		for _, f := range finished {
			if !f {
				allFinished = false
				break
			}
		}
		if allFinished || !w.IsDifferencing() {
			if opened {
				w.Close()
			}
			return nil
		}

		parent, err := w.OpenParent(vhdfile.OpenFlags{Cached: true})
		if opened {
			w.Close()
		}
		if err != nil {
			return fmt.Errorf("builder: open parent of %s: %w", w.Path(), err)
		}
		if parent == nil {
			return nil
		}
		w = parent
		opened = true
	}
}

func foldOneAncestor(store *indexstore.Store, ft *indexstore.FileTable, w *vhdfile.VHD, b []uint32, finished []bool, spb uint32) error {
	wBat, err := w.ReadBAT()
	if err != nil {
		return fmt.Errorf("builder: read BAT of %s: %w", w.Path(), err)
	}

	info, err := w.File().Stat()
	if err != nil {
		return err
	}
	fid, err := ft.FindOrAdd(w.Path(), w.Footer().UniqueId, indexstore.ToVhdTimestamp(info.ModTime()))
	if err != nil {
		return fmt.Errorf("builder: register %s in file table: %w", w.Path(), err)
	}

	bmSecs := w.BitmapSectors()

	for blk, batEntry := range wBat {
		if finished[blk] {
			continue
		}
		if batEntry == vhdfile.BatUnused {
			continue
		}

		ib, err := loadOrZeroBlock(store, b[blk], spb)
		if err != nil {
			return err
		}

		bitmap, err := w.ReadBitmap(batEntry)
		if err != nil {
			return fmt.Errorf("builder: read bitmap for block %d of %s: %w", blk, w.Path(), err)
		}

		count := 0
		changed := false
		for i := uint32(0); i < spb; i++ {
			if ib[i].FileID != 0 {
				count++
				continue
			}
			if !w.BitmapTest(bitmap, i) {
				continue
			}
			ib[i] = indexstore.Entry{FileID: fid, Offset: batEntry + bmSecs + i}
			count++
			changed = true
		}

		if changed {
			if b[blk] == 0 {
				sector, err := store.AppendBlock(ib)
				if err != nil {
					return err
				}
				b[blk] = sector
			} else {
				if err := store.WriteBlock(ib, b[blk]); err != nil {
					return err
				}
			}
		}

		if count == int(spb) {
			finished[blk] = true
		}
	}

	return nil
}

func loadOrZeroBlock(store *indexstore.Store, sector uint32, spb uint32) ([]indexstore.Entry, error) {
	if sector == 0 {
		return indexstore.NewIndexBlock(spb), nil
	}
	return store.ReadBlock(sector)
}

func writeBAT(batPath string, v *vhdfile.VHD, indexPath, filesPath string, b []uint32) error {
	if existing, err := indexstore.LoadBAT(batPath); err == nil {
		defer existing.Close()
		return existing.Write(b)
	}

	bat, err := indexstore.CreateBAT(batPath, v.Path(), indexPath, filesPath, uint64(len(b)), v.Header().BlockSize)
	if err != nil {
		return fmt.Errorf("builder: create %s: %w", batPath, err)
	}
	defer bat.Close()
	return bat.Write(b)
}
