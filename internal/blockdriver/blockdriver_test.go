package blockdriver

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/asig/vhdindex/internal/indexstore"
	"github.com/asig/vhdindex/internal/vherrors"
)

// fakeIO records every PrepRead without invoking its callback, so
// tests can assert on in-flight I/O counts and drive completions in a
// chosen order.
type fakeIO struct {
	calls []fakeCall
}

type fakeCall struct {
	fd     FileHandle
	buf    []byte
	offset int64
	cb     func(n int, err error)
}

func (f *fakeIO) PrepRead(fd FileHandle, buf []byte, offset int64, cb func(n int, err error)) {
	f.calls = append(f.calls, fakeCall{fd: fd, buf: buf, offset: offset, cb: cb})
}

// complete invokes the i-th recorded call's callback. With a nonzero
// fill it fills buf with fill and reports len(buf) bytes read; with a
// zero fill it reads buf through the recorded handle, so a metadata
// read delivers the block actually stored in the .index file.
func (f *fakeIO) complete(i int, fill byte, err error) {
	c := f.calls[i]
	if err != nil {
		c.cb(0, err)
		return
	}
	if fill == 0 {
		n, rerr := c.fd.ReadAt(c.buf, c.offset)
		c.cb(n, rerr)
		return
	}
	for j := range c.buf {
		c.buf[j] = fill
	}
	c.cb(len(c.buf), nil)
}

type fakeHandle struct{ name string }

func (fakeHandle) Close() error                            { return nil }
func (fakeHandle) ReadAt(p []byte, off int64) (int, error) { return len(p), nil }

type fakeOpener struct {
	opened []uint32
	fail   map[uint32]bool
}

func (o *fakeOpener) Open(fileID uint32) (FileHandle, error) {
	if o.fail[fileID] {
		return nil, errors.New("boom")
	}
	o.opened = append(o.opened, fileID)
	return fakeHandle{}, nil
}

type fakeUpstream struct {
	forwards []struct {
		sec  uint64
		secs uint32
	}
}

func (u *fakeUpstream) ForwardRead(buf []byte, sec uint64, secs uint32, cb func(n int, err error)) {
	u.forwards = append(u.forwards, struct {
		sec  uint64
		secs uint32
	}{sec, secs})
	cb(int(secs)*SectorSize, nil)
}

const testSPB = 8 // small spb keeps tests fast and entries easy to reason about

func newTestContext(t *testing.T, vhdBlocks uint32, bat []uint32, requestPool int) (*Context, *fakeIO, *fakeUpstream, *fakeOpener) {
	t.Helper()
	dir := t.TempDir()
	store, err := indexstore.Create(filepath.Join(dir, "c.index"), testSPB*SectorSize)
	if err != nil {
		t.Fatalf("Create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	io := &fakeIO{}
	up := &fakeUpstream{}
	opener := &fakeOpener{fail: map[uint32]bool{}}

	ctx, err := New(Config{
		Store:           store,
		BAT:             bat,
		SectorsPerBlock: testSPB,
		VhdBlocks:       vhdBlocks,
		Opener:          opener,
		Upstream:        up,
		IO:              io,
		RequestPoolSize: requestPool,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctx, io, up, opener
}

func writeIndexBlock(t *testing.T, ctx *Context, sector *uint32, entries []indexstore.Entry) {
	t.Helper()
	s, err := ctx.store.AppendBlock(entries)
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	*sector = s
}

func TestSparseForwardingSkipsMetadataRead(t *testing.T) {
	ctx, io, up, _ := newTestContext(t, 4, []uint32{0, 0, 0, 0}, 16)

	var gotN int
	var gotErr error
	ctx.QueueRead(make([]byte, testSPB*SectorSize), 0, testSPB, func(n int, err error) {
		gotN, gotErr = n, err
	})

	if gotErr != nil {
		t.Fatalf("QueueRead: %v", gotErr)
	}
	if gotN != testSPB*SectorSize {
		t.Errorf("n = %d, want %d", gotN, testSPB*SectorSize)
	}
	if len(io.calls) != 0 {
		t.Errorf("BAT-clear block should never touch the metadata store, got %d calls", len(io.calls))
	}
	if len(up.forwards) != 1 || up.forwards[0].secs != testSPB {
		t.Errorf("forwards = %v, want one forward of %d sectors", up.forwards, testSPB)
	}
}

func TestTinyChainFullReadIssuesOneMetaAndOneDataRead(t *testing.T) {
	ctx, io, up, opener := newTestContext(t, 1, []uint32{1}, 16) // real sector assigned below
	var sector uint32
	entries := make([]indexstore.Entry, testSPB)
	for i := range entries {
		entries[i] = indexstore.Entry{FileID: 7, Offset: 100 + uint32(i)}
	}
	writeIndexBlock(t, ctx, &sector, entries)
	ctx.bat[0] = sector

	var gotN int
	var gotErr error
	buf := make([]byte, testSPB*SectorSize)
	ctx.QueueRead(buf, 0, testSPB, func(n int, err error) { gotN, gotErr = n, err })

	if len(io.calls) != 1 {
		t.Fatalf("expected exactly one metadata read in flight, got %d", len(io.calls))
	}
	io.complete(0, 0, nil) // metadata arrives

	if len(io.calls) != 2 {
		t.Fatalf("expected one data read queued after metadata completion, got %d", len(io.calls))
	}
	io.complete(1, 0xAA, nil)

	if gotErr != nil {
		t.Fatalf("QueueRead: %v", gotErr)
	}
	if gotN != testSPB*SectorSize {
		t.Errorf("n = %d, want %d", gotN, testSPB*SectorSize)
	}
	for _, b := range buf {
		if b != 0xAA {
			t.Fatalf("buf not filled with expected data")
		}
	}
	if len(up.forwards) != 0 {
		t.Errorf("no sectors should have been forwarded upstream, got %v", up.forwards)
	}
	if len(opener.opened) != 1 || opener.opened[0] != 7 {
		t.Errorf("opener.opened = %v, want [7]", opener.opened)
	}
}

func TestConcurrentMissCoalescesIntoOneMetadataRead(t *testing.T) {
	ctx, io, _, _ := newTestContext(t, 1, []uint32{0}, 16)
	var sector uint32
	entries := make([]indexstore.Entry, testSPB)
	for i := range entries {
		entries[i] = indexstore.Entry{FileID: 3, Offset: 50 + uint32(i)}
	}
	writeIndexBlock(t, ctx, &sector, entries)
	ctx.bat[0] = sector

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ctx.QueueRead(make([]byte, SectorSize), uint64(i), 1, func(n int, err error) {
			order = append(order, i)
		})
	}

	if len(io.calls) != 1 {
		t.Fatalf("expected exactly one outstanding metadata tiocb, got %d", len(io.calls))
	}

	io.complete(0, 0, nil)

	if len(io.calls) != 4 { // 1 metadata + 3 data reads, enqueue order
		t.Fatalf("expected 3 data reads queued after metadata completion, got %d total calls", len(io.calls))
	}
	for i := 1; i <= 3; i++ {
		io.complete(i, 0, nil)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("waiter completion order = %v, want FIFO [0 1 2]", order)
	}
}

func TestRequestPoolExhaustionFailsWithBusy(t *testing.T) {
	ctx, io, _, _ := newTestContext(t, 1, []uint32{0}, 1)
	var sector uint32
	entries := make([]indexstore.Entry, testSPB)
	for i := range entries {
		entries[i] = indexstore.Entry{FileID: 1, Offset: uint32(i)}
	}
	writeIndexBlock(t, ctx, &sector, entries)
	ctx.bat[0] = sector

	var err1, err2 error
	ctx.QueueRead(make([]byte, SectorSize), 0, 1, func(n int, err error) { err1 = err })
	if err1 != nil {
		t.Fatalf("first request should be admitted: %v", err1)
	}
	ctx.QueueRead(make([]byte, SectorSize), 1, 1, func(n int, err error) { err2 = err })
	if !vherrors.Is(err2, vherrors.BusyExhaustion) {
		t.Errorf("second request should fail Busy with the pool exhausted, got %v", err2)
	}

	io.complete(0, 0, nil)
}

func TestInvalidArgumentPastEndOfVHD(t *testing.T) {
	ctx, _, _, _ := newTestContext(t, 1, []uint32{0}, 16)

	var gotErr error
	ctx.QueueRead(make([]byte, SectorSize), testSPB, 1, func(n int, err error) { gotErr = err })
	if !vherrors.Is(gotErr, vherrors.InvalidArgument) {
		t.Errorf("read past vhd_blocks should fail InvalidArgument, got %v", gotErr)
	}
}

func TestFdPoolEvictsLeastRecentlyUsedIdleSlot(t *testing.T) {
	ctx, _, _, opener := newTestContext(t, 1, []uint32{0}, 64)

	var handles []FileHandle
	for fid := uint32(1); fid <= FilePoolSize; fid++ {
		h, err := ctx.acquireFd(fid)
		if err != nil {
			t.Fatalf("acquireFd(%d): %v", fid, err)
		}
		handles = append(handles, h)
	}
	// Release everything except slot holding file_id 2 (keep it "hot").
	for fid := uint32(1); fid <= FilePoolSize; fid++ {
		if fid != 2 {
			ctx.releaseFd(fid)
		}
	}
	ctx.acquireFd(2) // touch again, bumping its seq past the others
	ctx.releaseFd(2)

	// file_id 1 (slot 0) should be unevictable; it still occupies its
	// slot even though its refcount is zero and its seq is the oldest.
	if _, err := ctx.acquireFd(uint32(FilePoolSize) + 1); err != nil {
		t.Fatalf("acquireFd for a fresh file_id should evict someone: %v", err)
	}
	stillHoldsSlotZero := false
	for i, s := range ctx.fds {
		if i == 0 && s.fileID == 1 {
			stillHoldsSlotZero = true
		}
	}
	if !stillHoldsSlotZero {
		t.Errorf("slot 0 (file_id 1) should never be evicted")
	}
	_ = opener
}
