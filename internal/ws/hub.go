package ws

import "sync"

// Hub tracks every live Router so the server can count connections and
// close them all on shutdown.
type Hub struct {
	mu      sync.RWMutex
	routers map[*Router]struct{}
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{routers: make(map[*Router]struct{})}
}

// Register adds a router. It reports false once the hub is closed.
func (h *Hub) Register(r *Router) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.routers[r] = struct{}{}
	return true
}

// Unregister removes a router.
func (h *Hub) Unregister(r *Router) {
	h.mu.Lock()
	delete(h.routers, r)
	h.mu.Unlock()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.routers)
}

// CountUser returns the number of live connections for one user.
func (h *Hub) CountUser(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for r := range h.routers {
		if r.userID == userID {
			n++
		}
	}
	return n
}

// Close closes every connection and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	routers := make([]*Router, 0, len(h.routers))
	for r := range h.routers {
		routers = append(routers, r)
	}
	h.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}
