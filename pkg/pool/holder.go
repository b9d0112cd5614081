package pool

import (
	"sync"
	"sync/atomic"
)

// Holder owns the current pool and replaces it when the desired size changes.
// Work already submitted to a replaced pool is left to finish on its own.
type Holder struct {
	opts []Option

	mu       sync.Mutex
	current  atomic.Pointer[Pool]
	shutdown bool
}

// NewHolder creates a holder with an initial pool of the given size.
func NewHolder(size int, opts ...Option) *Holder {
	h := &Holder{opts: opts}
	h.current.Store(New(size, opts...))
	return h
}

// Current returns the pool new work should be submitted to.
func (h *Holder) Current() *Pool {
	return h.current.Load()
}

// Submit forwards to the current pool.
func (h *Holder) Submit(name string, fn Func) (*Task, error) {
	return h.Current().Submit(name, fn)
}

// Resize swaps in a pool of the given size. It reports whether a swap happened.
func (h *Holder) Resize(size int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return false
	}
	if size < 1 {
		size = 1
	}
	if h.Current().Size() == size {
		return false
	}

	h.current.Store(New(size, h.opts...))
	return true
}

// Shutdown closes the current pool and refuses later resizes.
func (h *Holder) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.shutdown = true
	h.Current().Shutdown()
}
