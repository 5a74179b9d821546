// Package registry tracks the live device connections of this process.
package registry

import "sync"

// Registry is the set of active connections. Identity is the *Connection
// itself: a device that reconnects gets a second entry until the stale one
// is removed by its own disconnect.
type Registry struct {
	mu       sync.RWMutex
	conns    []*Connection
	onChange func(count int)
}

func New() *Registry {
	return &Registry{}
}

// SetChangeHook installs a callback invoked with the new size after every mutation.
func (r *Registry) SetChangeHook(hook func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Register adds c. Registering the same connection twice is a no-op.
func (r *Registry) Register(c *Connection) {
	if c == nil {
		return
	}
	r.mu.Lock()
	for _, existing := range r.conns {
		if existing == c {
			r.mu.Unlock()
			return
		}
	}
	r.conns = append(r.conns, c)
	n, hook := len(r.conns), r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
}

// FindByDeviceID returns the first registered connection for deviceID.
func (r *Registry) FindByDeviceID(deviceID string) (*Connection, bool) {
	if deviceID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.DeviceID == deviceID {
			return c, true
		}
	}
	return nil, false
}

// Remove drops c and reports whether it was present. Safe to call repeatedly.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	idx := -1
	for i, existing := range r.conns {
		if existing == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.conns = append(r.conns[:idx:idx], r.conns[idx+1:]...)
	n, hook := len(r.conns), r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return true
}

// All returns a snapshot that callers may iterate while the registry changes.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DeviceIDs lists the distinct device ids currently connected, in registration order.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.conns))
	out := make([]string, 0, len(r.conns))
	for _, c := range r.conns {
		if _, ok := seen[c.DeviceID]; ok {
			continue
		}
		seen[c.DeviceID] = struct{}{}
		out = append(out, c.DeviceID)
	}
	return out
}
