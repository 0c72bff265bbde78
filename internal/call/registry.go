package call

import "sync"

// Registry holds at most one live call.
type Registry struct {
	mu      sync.Mutex
	current *Call
}

// TryAcquire makes c the current call if the slot is free.
func (r *Registry) TryAcquire(c *Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return false
	}
	r.current = c
	return true
}

// Release frees the slot if c holds it.
func (r *Registry) Release(c *Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != c {
		return false
	}
	r.current = nil
	return true
}

// Current returns the live call or nil.
func (r *Registry) Current() *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
