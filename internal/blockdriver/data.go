package blockdriver

import "github.com/asig/vhdindex/internal/vherrors"

// completeDataRead finishes one data read against a backing file:
// reports the result to the owning request, drops the fd reference,
// and frees the request descriptor (spec §4.E "Data completion").
func (c *Context) completeDataRead(fileID uint32, n int, err error, st *requestState) {
	c.releaseFd(fileID)
	c.releaseRequest()
	st.sliceDone(n, err)
}

// QueueWrite always completes with PermissionDenied: the indexed view
// is read-only (spec §4.E "Writes").
func (c *Context) QueueWrite(buf []byte, sec uint64, secs uint32, onComplete func(n int, err error)) {
	onComplete(0, vherrors.PermissionDenied)
}
