package blockdriver

// findCacheSlot returns the index of the slot already holding blk, or
// -1 if not cached.
func (c *Context) findCacheSlot(blk uint32) int {
	for i := range c.cache {
		if c.cache[i].used && c.cache[i].blk == blk {
			return i
		}
	}
	return -1
}

// acquireCacheSlot returns a slot for blk: an existing one if present,
// otherwise a free or evicted slot installed fresh with stateEmpty. The
// caller is responsible for transitioning the returned fresh slot to
// stateReadPending and issuing its metadata read. Returns -1 if the
// cache is full and every slot is pinned (state == stateReadPending).
func (c *Context) acquireCacheSlot(blk uint32) int {
	if i := c.findCacheSlot(blk); i != -1 {
		c.cache[i].seq = c.nextSeq()
		return i
	}

	for i := range c.cache {
		if !c.cache[i].used {
			c.cache[i] = cacheSlot{used: true, blk: blk, state: stateEmpty, seq: c.nextSeq()}
			return i
		}
	}

	victim := c.evictCacheSlot()
	if victim == -1 {
		return -1
	}
	c.cache[victim] = cacheSlot{used: true, blk: blk, state: stateEmpty, seq: c.nextSeq()}
	return victim
}

// evictCacheSlot returns the index of the least-recently-used slot
// whose state is not stateReadPending, or -1 if every slot is pinned
// (spec §4.E: "READ_PENDING blocks are pinned").
func (c *Context) evictCacheSlot() int {
	best := -1
	for i := range c.cache {
		if c.cache[i].state == stateReadPending {
			continue
		}
		if best == -1 || c.cache[i].seq < c.cache[best].seq {
			best = i
		}
	}
	return best
}
