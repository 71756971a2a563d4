package blockdriver

import (
	"fmt"

	"github.com/asig/vhdindex/internal/indexstore"
)

// completeMetaRead finishes a block's metadata read: on success,
// decodes the raw entry table, marks the slot VALID, and re-enters the
// dispatch state machine for every queued waiter in enqueue order (spec
// §4.E "Metadata completion", §8 property 4 "Waiter FIFO"). On failure
// it fails every waiter and leaves the slot in a re-triable Empty state.
func (c *Context) completeMetaRead(slot int, raw []byte, n int, err error) {
	waiters := c.cache[slot].waiters
	c.cache[slot].waiters = nil

	if err != nil || n != len(raw) {
		if err == nil {
			err = fmt.Errorf("blockdriver: short metadata read: got %d want %d bytes", n, len(raw))
		}
		c.cache[slot].state = stateEmpty
		c.cache[slot].entries = nil
		for _, w := range waiters {
			// The descriptor the waiter reserved while parked; the first
			// waiter's also covered the metadata fetch itself.
			c.releaseRequest()
			w.state.sliceDone(0, err)
		}
		return
	}

	c.cache[slot].entries = indexstore.DecodeBlock(raw, c.spb)
	c.cache[slot].state = stateValid

	for _, w := range waiters {
		c.releaseRequest() // the descriptor the waiter reserved while parked
		within := uint32(w.sec % uint64(c.spb))
		// The waiter held one pending unit for having been queued;
		// release it before re-dispatch adds fresh units for whatever
		// forwards/data-reads the re-entered state machine produces.
		w.state.pending--
		if dispatchErr := c.dispatchAgainstEntries(c.cache[slot].entries, within, w.buf, w.sec, w.secs, w.state); dispatchErr != nil {
			w.state.failNow(dispatchErr)
		}
	}
}
