package blockdriver

import "github.com/asig/vhdindex/internal/vherrors"

// requestState aggregates the outcome of a (possibly multi-slice)
// QueueRead call: the original request is split at block boundaries
// into independent slices (upstream forwards, cache hits, or waiters),
// each of which may complete out of order; onComplete fires exactly
// once, after every slice has reported in (spec §5 "Ordering
// guarantees").
type requestState struct {
	pending    int
	bytesDone  int
	err        error
	done       bool
	onComplete func(n int, err error)
}

func (r *requestState) slicesStarted(n int) { r.pending += n }

// sliceDone reports one dispatched unit's completion. Once the
// request has already finished — including having been failed early
// by failNow — further completions from already-in-flight work are
// silently absorbed (spec §4.E: "fail the remainder ... and stop";
// work already launched before the failure is not cancelled, but its
// outcome no longer matters to the caller).
func (r *requestState) sliceDone(n int, err error) {
	if r.done {
		return
	}
	if err != nil && r.err == nil {
		r.err = err
	}
	r.bytesDone += n
	r.pending--
	if r.pending == 0 {
		r.done = true
		if r.err != nil {
			r.onComplete(0, r.err)
		} else {
			r.onComplete(r.bytesDone, nil)
		}
	}
}

// failNow fails the whole request immediately, for conditions
// detected before any async work for the current slice was launched
// (invalid argument, pool exhaustion).
func (r *requestState) failNow(err error) {
	if r.done {
		return
	}
	r.done = true
	r.onComplete(0, err)
}

// acquireRequest reserves one slot in the fixed-size request
// descriptor pool (spec §4.E: "TAPDISK_DATA_REQUESTS + CACHE_SIZE"),
// reporting BusyExhaustion when the pool is fully committed.
func (c *Context) acquireRequest() error {
	if c.requestsInUse >= c.requestsLimit {
		return vherrors.BusyExhaustion
	}
	c.requestsInUse++
	return nil
}

func (c *Context) releaseRequest() {
	c.requestsInUse--
}
