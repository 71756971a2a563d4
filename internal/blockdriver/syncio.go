package blockdriver

// SyncIO is the default AsyncIO: it performs the read inline and
// invokes the completion callback before PrepRead returns. This is a
// legitimate implementation of the "post async I/O, be resumed later"
// contract (spec §5 names synchronous completion as one of an entry
// point's valid outcomes) for embedders that don't plug in a real
// io_uring/tapdisk event loop; tests substitute their own AsyncIO to
// drive metadata/data completions out of line instead.
type SyncIO struct{}

func (SyncIO) PrepRead(fd FileHandle, buf []byte, offset int64, cb func(n int, err error)) {
	n, err := fd.ReadAt(buf, offset)
	cb(n, err)
}
