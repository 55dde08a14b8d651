package session

import "sync"

// Registry tracks every live connection. Lookups by device/client id and by
// user name scan in connection order; duplicate device ids are not rejected,
// so the earliest surviving registration wins a lookup.
type Registry struct {
	mu    sync.RWMutex
	conns []*Conn
	index map[*Conn]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[*Conn]int),
	}
}

// Add inserts a connection. Adding the same connection twice is a no-op.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, present := r.index[c]; present {
		return
	}
	r.index[c] = len(r.conns)
	r.conns = append(r.conns, c)
}

// Remove drops a connection and synchronously cancels its timers.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	pos, present := r.index[c]
	if present {
		r.conns = append(r.conns[:pos], r.conns[pos+1:]...)
		delete(r.index, c)
		for i := pos; i < len(r.conns); i++ {
			r.index[r.conns[i]] = i
		}
	}
	r.mu.Unlock()

	if present {
		c.CancelTimers()
	}
}

// FindByID returns the first connection whose identity matches id, or nil.
// Devices and clients share the id namespace.
func (r *Registry) FindByID(id string) *Conn {
	if id == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// FindByUserName returns every connection owned by name: device connections
// whose owner matches, plus those listing name as a sub-user.
func (r *Registry) FindByUserName(name string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.OwnedBy(name) {
			out = append(out, c)
		}
	}
	return out
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, present := r.index[c]
	return present
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, len(r.conns))
	copy(out, r.conns)
	return out
}
