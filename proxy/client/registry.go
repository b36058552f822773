package client

import (
	"errors"
	"sync"
	"time"
)

// ErrAtCapacity reports that the per-stream soft client cap is reached.
var ErrAtCapacity = errors.New("too many clients")

// Registry tracks the clients of one content id. The lock covers the map
// only; chunk deliveries always happen on snapshots outside it.
type Registry struct {
	mu         sync.Mutex
	clients    map[string]*Client
	maxClients int
}

// NewRegistry builds a registry; maxClients of zero disables the cap.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		clients:    make(map[string]*Client),
		maxClients: maxClients,
	}
}

func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return ErrAtCapacity
	}
	r.clients[c.ID] = c
	return nil
}

// Remove closes and forgets the client, reporting whether it was present.
// Idempotent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// ListSnapshot returns a point-in-time copy of the client references so the
// broadcaster never writes to queues while holding the registry lock.
func (r *Registry) ListSnapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Heartbeat(id string, now time.Time) {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()

	if ok {
		c.Heartbeat(now)
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Sweep removes clients whose heartbeat is older than staleAfter and returns
// the removed records, already closed.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []*Client {
	r.mu.Lock()
	var stale []*Client
	for id, c := range r.clients {
		if now.Sub(c.LastHeartbeat()) > staleAfter {
			stale = append(stale, c)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	return stale
}

// CloseAll closes every client and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
