package transport

import "sync"

// Callbacks is a concurrency-safe event name to callback table shared by clients.
type Callbacks struct {
	mu  sync.RWMutex
	fns map[string][]Callback
}

// On appends fn for event.
func (c *Callbacks) On(event string, fn Callback) {
	if fn == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = make(map[string][]Callback)
	}
	c.fns[event] = append(c.fns[event], fn)
}

// Fire invokes every callback of event in registration order and reports whether any ran.
func (c *Callbacks) Fire(event string, data []byte) bool {
	c.mu.RLock()
	fns := c.fns[event]
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
	return len(fns) > 0
}
