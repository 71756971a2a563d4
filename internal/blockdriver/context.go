// Package blockdriver implements the index-backed async read path
// (spec §4.E): a single-threaded, callback-driven dispatcher sitting
// in front of a shared .index/.bat, with a bounded metadata cache, a
// bounded backing-fd pool and a bounded request-descriptor pool. There
// is no internal concurrency — every entry point runs to completion
// synchronously and resumes later work only from a completion callback
// the surrounding runtime invokes (spec §5).
package blockdriver

import (
	"fmt"
	"io"

	"github.com/asig/vhdindex/internal/indexstore"
	"github.com/asig/vhdindex/internal/vherrors"
)

// Fixed-size resource pools, tuned to the surrounding tapdisk request
// budget (spec §4.E).
const (
	CacheSize     = 4
	FilePoolSize  = 12
	SectorSize    = 512
)

// AsyncIO abstracts "post an I/O, be resumed later" so tests can drive
// completions deterministically instead of hitting real storage (spec
// §9 design notes: "the core should abstract ... behind one
// interface").
type AsyncIO interface {
	// PrepRead submits a read of len(buf) bytes at offset against fd
	// and arranges for cb to be invoked exactly once, with the number
	// of bytes read or an error, once the runtime's queue_tiocb
	// completes it.
	PrepRead(fd FileHandle, buf []byte, offset int64, cb func(n int, err error))
}

// FileHandle is the minimal file-like handle the driver needs: enough
// for a real AsyncIO implementation to actually perform the read, and
// for the fd pool to release it on eviction. *os.File satisfies this
// directly.
type FileHandle interface {
	io.Closer
	io.ReaderAt
}

// Upstream satisfies reads for virtual sectors this index has no
// opinion about: either BAT_CLEAR blocks (no ancestor owns them) or
// index entries explicitly marked UNUSED (spec §4.D "sparse
// forwarding").
type Upstream interface {
	ForwardRead(buf []byte, sec uint64, secs uint32, cb func(n int, err error))
}

// Opener resolves a file_id from the file table to an openable path,
// and opens it for direct I/O; separated from indexstore.FileTable so
// tests can substitute fakes.
type Opener interface {
	Open(fileID uint32) (FileHandle, error)
}

type cacheState int

const (
	stateEmpty cacheState = iota
	stateReadPending
	stateValid
)

type waiter struct {
	buf   []byte
	sec   uint64
	secs  uint32
	state *requestState
}

type cacheSlot struct {
	used    bool
	blk     uint32
	state   cacheState
	entries []indexstore.Entry
	waiters []waiter
	seq     uint64
}

type fdSlot struct {
	used     bool
	fileID   uint32
	f        FileHandle
	refcount int
	seq      uint64
}

// Context owns the three fixed-size pools and the chain metadata
// (spb, bat, vhd_blocks) needed to dispatch reads against one indexed
// VHD chain.
type Context struct {
	store     *indexstore.Store
	opener    Opener
	upstream  Upstream
	io        AsyncIO
	bat       []uint32
	spb       uint32
	vhdBlocks uint32

	cache [CacheSize]cacheSlot
	fds   [FilePoolSize]fdSlot

	requestsInUse int
	requestsLimit int

	seq uint64 // monotonic LRU counter, shared by cache and fd pools
}

// Config bundles a Context's dependencies.
type Config struct {
	Store           *indexstore.Store
	BAT             []uint32
	SectorsPerBlock uint32
	VhdBlocks       uint32
	Opener          Opener
	Upstream        Upstream
	IO              AsyncIO
	// RequestPoolSize bounds in-flight request descriptors; spec §4.E
	// sizes it as TAPDISK_DATA_REQUESTS + CACHE_SIZE, a runtime-chosen
	// constant the caller supplies.
	RequestPoolSize int
}

// New constructs a Context ready to serve QueueRead/QueueWrite.
func New(cfg Config) (*Context, error) {
	if cfg.RequestPoolSize <= 0 {
		return nil, fmt.Errorf("blockdriver: RequestPoolSize must be positive: %w", vherrors.InvalidArgument)
	}
	return &Context{
		store:         cfg.Store,
		opener:        cfg.Opener,
		upstream:      cfg.Upstream,
		io:            cfg.IO,
		bat:           cfg.BAT,
		spb:           cfg.SectorsPerBlock,
		vhdBlocks:     cfg.VhdBlocks,
		requestsLimit: cfg.RequestPoolSize,
	}, nil
}

// nextSeq returns a fresh LRU sequence number, right-shifting every
// counter in both pools on overflow to preserve relative order without
// wraparound (spec §4.E "LRU policy").
func (c *Context) nextSeq() uint64 {
	if c.seq == ^uint64(0) {
		c.seq >>= 1
		for i := range c.cache {
			c.cache[i].seq >>= 1
		}
		for i := range c.fds {
			c.fds[i].seq >>= 1
		}
	}
	c.seq++
	return c.seq
}

// Debug dumps pool occupancy for the host runtime's debug command
// (spec §6).
func (c *Context) Debug() string {
	cacheUsed := 0
	for _, s := range c.cache {
		if s.used {
			cacheUsed++
		}
	}
	fdUsed := 0
	for _, s := range c.fds {
		if s.used {
			fdUsed++
		}
	}
	return fmt.Sprintf("cache %d/%d, fds %d/%d, requests %d/%d",
		cacheUsed, CacheSize, fdUsed, FilePoolSize, c.requestsInUse, c.requestsLimit)
}

// GetParentID always reports "no parent": the indexed view is a flat,
// read-only composite with no differencing chain of its own (spec §6).
func (c *Context) GetParentID() (string, bool) { return "", false }

// ValidateParent mirrors GetParentID: this driver never has a parent.
func (c *Context) ValidateParent() error { return nil }

// Close tears the context down: it refuses while any request
// descriptor is still outstanding (spec §5 "close is only valid when
// all pooled requests are idle"), and otherwise closes every pooled
// backing fd (spec §3 Lifecycle: "closed when the owning context is
// torn down").
func (c *Context) Close() error {
	if c.requestsInUse > 0 {
		return fmt.Errorf("blockdriver: %d requests still in flight: %w", c.requestsInUse, vherrors.BusyExhaustion)
	}
	for i := range c.fds {
		if c.fds[i].used {
			c.fds[i].f.Close()
			c.fds[i] = fdSlot{}
		}
	}
	return nil
}
