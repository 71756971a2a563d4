package blockdriver

import "github.com/asig/vhdindex/internal/vherrors"

// acquireFd returns a reference-counted handle for fileID, opening it
// through the Opener if no pooled slot already holds it. Slot 0 is
// reserved from LRU eviction — legacy behavior carried forward from
// the tapdisk fd pool this is modeled on (spec §9: "the LRU scan
// starts at index 1").
func (c *Context) acquireFd(fileID uint32) (FileHandle, error) {
	for i := range c.fds {
		if c.fds[i].used && c.fds[i].fileID == fileID {
			c.fds[i].refcount++
			c.fds[i].seq = c.nextSeq()
			return c.fds[i].f, nil
		}
	}

	slot := -1
	for i := range c.fds {
		if !c.fds[i].used {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = c.evictFdSlot()
		if slot == -1 {
			return nil, vherrors.BusyExhaustion
		}
	}

	f, err := c.opener.Open(fileID)
	if err != nil {
		return nil, err
	}
	c.fds[slot] = fdSlot{used: true, fileID: fileID, f: f, refcount: 1, seq: c.nextSeq()}
	return f, nil
}

// evictFdSlot returns the index of the least-recently-used slot with
// refcount 0, starting the scan at index 1 (slot 0 unevictable), or -1
// if none is eligible.
func (c *Context) evictFdSlot() int {
	best := -1
	for i := 1; i < len(c.fds); i++ {
		if !c.fds[i].used || c.fds[i].refcount != 0 {
			continue
		}
		if best == -1 || c.fds[i].seq < c.fds[best].seq {
			best = i
		}
	}
	if best != -1 {
		c.fds[best].f.Close()
		c.fds[best] = fdSlot{}
	}
	return best
}

// releaseFd drops one reference on fileID's pooled descriptor, making
// it eligible for eviction once its refcount reaches zero.
func (c *Context) releaseFd(fileID uint32) {
	for i := range c.fds {
		if c.fds[i].used && c.fds[i].fileID == fileID {
			c.fds[i].refcount--
			return
		}
	}
}
