package workflow

import (
	"sync"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

// DefaultErrorRingSize is how many item errors a stage keeps.
const DefaultErrorRingSize = 64

// errorRing keeps the most recent item errors. Pushes from all replicas are
// serialized; the oldest entry is overwritten once the ring is full.
type errorRing struct {
	mu   sync.Mutex
	buf  []*gferrors.ItemError
	next int
	full bool
}

func newErrorRing(size int) *errorRing {
	if size <= 0 {
		size = DefaultErrorRingSize
	}
	return &errorRing{buf: make([]*gferrors.ItemError, size)}
}

func (r *errorRing) push(e *gferrors.ItemError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the retained errors, oldest first.
func (r *errorRing) snapshot() []*gferrors.ItemError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]*gferrors.ItemError, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]*gferrors.ItemError, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *errorRing) capacity() int {
	return len(r.buf)
}
