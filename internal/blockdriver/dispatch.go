package blockdriver

import (
	"fmt"

	"github.com/asig/vhdindex/internal/indexstore"
	"github.com/asig/vhdindex/internal/vherrors"
)

// QueueRead dispatches a read of secs sectors starting at virtual
// sector sec into buf, invoking onComplete exactly once with the
// total bytes served or the first error encountered (spec §4.E "Read
// dispatch state machine").
func (c *Context) QueueRead(buf []byte, sec uint64, secs uint32, onComplete func(n int, err error)) {
	if secs == 0 {
		onComplete(0, nil)
		return
	}

	st := &requestState{pending: 1, onComplete: onComplete}
	off := 0
	remaining := secs
	cur := sec

	for remaining > 0 {
		blk := uint32(cur / uint64(c.spb))
		within := uint32(cur % uint64(c.spb))
		clamp := remaining
		if max := c.spb - within; clamp > max {
			clamp = max
		}

		if blk >= c.vhdBlocks {
			st.failNow(fmt.Errorf("blockdriver: virtual sector %d past end (%d blocks): %w", cur, c.vhdBlocks, vherrors.InvalidArgument))
			return
		}

		slice := buf[off*SectorSize : (off+int(clamp))*SectorSize]
		if err := c.dispatchSlice(blk, within, slice, cur, clamp, st); err != nil {
			st.failNow(err)
			return
		}

		off += int(clamp)
		cur += uint64(clamp)
		remaining -= clamp
	}

	// Drop the sentinel unit that kept st alive across the dispatch
	// loop itself (distinct from any per-slice units the individual
	// dispatches registered).
	st.sliceDone(0, nil)
}

// dispatchSlice handles one clamped, single-block slice: BAT_CLEAR
// forwarding, or a cache hit/pending/miss against the block's index
// entries.
func (c *Context) dispatchSlice(blk, within uint32, buf []byte, sec uint64, secs uint32, st *requestState) error {
	batEntry := c.bat[blk]
	if batEntry == 0 {
		st.slicesStarted(1)
		c.upstream.ForwardRead(buf, sec, secs, func(n int, err error) { st.sliceDone(n, err) })
		return nil
	}

	if i := c.findCacheSlot(blk); i != -1 {
		switch c.cache[i].state {
		case stateValid:
			c.cache[i].seq = c.nextSeq()
			return c.dispatchAgainstEntries(c.cache[i].entries, within, buf, sec, secs, st)
		case stateReadPending:
			if err := c.acquireRequest(); err != nil {
				return err
			}
			st.slicesStarted(1)
			c.cache[i].waiters = append(c.cache[i].waiters, waiter{buf: buf, sec: sec, secs: secs, state: st})
			return nil
		}
	}

	// Miss: install (or evict into) a slot and issue the metadata read.
	slot := c.acquireCacheSlot(blk)
	if slot == -1 {
		return vherrors.BusyExhaustion
	}
	if err := c.acquireRequest(); err != nil {
		c.cache[slot].used = false
		return err
	}
	st.slicesStarted(1)
	c.cache[slot].state = stateReadPending
	c.cache[slot].waiters = append(c.cache[slot].waiters, waiter{buf: buf, sec: sec, secs: secs, state: st})
	c.issueMetaRead(slot, blk, batEntry)
	return nil
}

// issueMetaRead submits the async read of blk's entry table from the
// shared .index file at its BAT-recorded sector offset.
func (c *Context) issueMetaRead(slot int, blk uint32, indexSector uint32) {
	raw := make([]byte, indexstore.BlockByteSize(c.spb))
	off := c.store.BlockOffset(indexSector)
	c.io.PrepRead(c.store.RawFile(), raw, off, func(n int, err error) {
		c.completeMetaRead(slot, raw, n, err)
	})
}

// dispatchAgainstEntries walks the clamped [within, within+secs) range
// of a VALID block's entries, forwarding contiguous UNUSED runs
// upstream and issuing one data read per contiguous same-file_id,
// consecutive-offset run (spec §4.E "Hit, VALID").
func (c *Context) dispatchAgainstEntries(entries []indexstore.Entry, within uint32, buf []byte, sec uint64, secs uint32, st *requestState) error {
	i := uint32(0)
	for i < secs {
		e := entries[within+i]
		if e.IsUnindexed() {
			j := i + 1
			for j < secs && entries[within+j].IsUnindexed() {
				j++
			}
			run := buf[i*SectorSize : j*SectorSize]
			st.slicesStarted(1)
			c.upstream.ForwardRead(run, sec+uint64(i), j-i, func(n int, err error) { st.sliceDone(n, err) })
			i = j
			continue
		}

		fid := e.FileID
		j := i + 1
		for j < secs {
			next := entries[within+j]
			if next.IsUnindexed() || next.FileID != fid || next.Offset != e.Offset+(j-i) {
				break
			}
			j++
		}

		run := buf[i*SectorSize : j*SectorSize]
		if err := c.issueDataRead(fid, e.Offset, run, st); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (c *Context) issueDataRead(fileID, startOffset uint32, buf []byte, st *requestState) error {
	if err := c.acquireRequest(); err != nil {
		return err
	}
	f, err := c.acquireFd(fileID)
	if err != nil {
		c.releaseRequest()
		return err
	}

	st.slicesStarted(1)
	off := int64(startOffset) * SectorSize
	c.io.PrepRead(f, buf, off, func(n int, err error) {
		c.completeDataRead(fileID, n, err, st)
	})
	return nil
}
