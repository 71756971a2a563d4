// Package fuseview exposes one indexed, read-only VHD chain as a
// single mountable file, descended from the teacher's internal/fuse
// package but backed by an internal/blockdriver.Context instead of an
// in-process filesystem. It exists to exercise the driver end to end
// the way a real tapdisk-style consumer would (SPEC_FULL.md §11); it
// is not part of the core the spec describes.
package fuseview

import (
	"context"
	"os"
	"syscall"

	fuse "bazil.org/fuse"
	fuse_fs "bazil.org/fuse/fs"
	"github.com/rs/zerolog/log"

	"github.com/asig/vhdindex/internal/blockdriver"
)

// FS mounts a single regular file named Name, SizeBytes long, whose
// reads are served by Driver.
type FS struct {
	Name      string
	SizeBytes uint64
	Driver    *blockdriver.Context

	uid uint32
	gid uint32
}

// NewFS builds a fuse_fs.FS rooted at a directory containing one file.
func NewFS(name string, sizeBytes uint64, driver *blockdriver.Context) fuse_fs.FS {
	return FS{
		Name:      name,
		SizeBytes: sizeBytes,
		Driver:    driver,
		uid:       uint32(os.Getuid()),
		gid:       uint32(os.Getgid()),
	}
}

func (f FS) Root() (fuse_fs.Node, error) {
	return dirNode{fs: f}, nil
}

type dirNode struct {
	fs FS
}

func (d dirNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	return nil
}

func (d dirNode) Lookup(ctx context.Context, name string) (fuse_fs.Node, error) {
	log.Debug().Msgf("fuseview Lookup for %s", name)
	if name != d.fs.Name {
		return nil, syscall.ENOENT
	}
	return fileNode{fs: d.fs}, nil
}

func (d dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{{Inode: 2, Name: d.fs.Name, Type: fuse.DT_File}}, nil
}

type fileNode struct {
	fs FS
}

func (f fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 2
	a.Mode = 0444
	a.Size = f.fs.SizeBytes
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	return nil
}

func (f fileNode) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fuse_fs.Handle, error) {
	return fileHandle{fs: f.fs}, nil
}

type fileHandle struct {
	fs FS
}

// Read converts a byte-range FUSE request into a sector-aligned
// blockdriver.QueueRead, blocking on the callback the way a tapdisk
// caller blocks on request completion (SPEC_FULL.md §11).
func (h fileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	log.Debug().Msgf("fuseview Read: offset=%d size=%d", req.Offset, req.Size)

	if uint64(req.Offset) >= h.fs.SizeBytes {
		resp.Data = []byte{}
		return nil
	}
	size := req.Size
	if req.Offset+int64(size) > int64(h.fs.SizeBytes) {
		size = int(h.fs.SizeBytes - uint64(req.Offset))
	}

	firstSec := uint64(req.Offset) / blockdriver.SectorSize
	skip := int(uint64(req.Offset) % blockdriver.SectorSize)
	lastSec := uint64(req.Offset+int64(size)-1) / blockdriver.SectorSize
	nsecs := uint32(lastSec - firstSec + 1)

	buf := make([]byte, nsecs*blockdriver.SectorSize)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	h.fs.Driver.QueueRead(buf, firstSec, nsecs, func(n int, err error) {
		done <- result{n, err}
	})
	r := <-done
	if r.err != nil {
		log.Error().Err(r.err).Msg("fuseview Read failed")
		return syscall.EIO
	}

	resp.Data = buf[skip : skip+size]
	return nil
}

// Write always fails: the indexed view is read-only (spec §4.E).
func (h fileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	return syscall.EROFS
}

func (h fileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error { return nil }

func (h fileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error { return nil }
