package signet

import (
	"sync"
	"sync/atomic"
)

// ConnID identifies one live connection, independent of its subscriptions.
type ConnID uint64

// SubKey is a subscription id as scoped to one connection: the same string
// id from two different clients must not collide.
type SubKey struct {
	Conn ConnID
	Sub  string
}

// Subscription is one registered filter set, ready for fan-out matching.
// Out is the owning connection's delivery sink; fan-out calls it directly
// rather than looking the connection up by id.
type Subscription struct {
	Key     SubKey
	Filters []Filter
	Out     Deliverer
}

var nextConnID atomic.Uint64

// NextConnID hands out a process-wide unique connection id, a stable
// identity independent of the connection's address or pointer.
func NextConnID() ConnID {
	return ConnID(nextConnID.Add(1))
}

// Registry is the C6 subscription registry: every connection's live
// subscriptions, guarded by a single mutex-protected map rather than one
// lock per connection, since reads (fan-out matching) vastly outnumber
// writes (REQ/CLOSE).
type Registry struct {
	mu   sync.RWMutex
	subs map[SubKey]Subscription
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[SubKey]Subscription)}
}

// Add registers or replaces the subscription at key: a REQ with a
// previously-used id silently replaces the old subscription.
func (r *Registry) Add(key SubKey, filters []Filter, out Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[key] = Subscription{Key: key, Filters: filters, Out: out}
}

// Remove drops a single subscription (a CLOSE frame).
func (r *Registry) Remove(key SubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, key)
}

// RemoveConnection drops every subscription owned by conn (on disconnect).
func (r *Registry) RemoveConnection(conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.subs {
		if key.Conn == conn {
			delete(r.subs, key)
		}
	}
}

// Snapshot returns a point-in-time copy of every live subscription, for the
// fan-out dispatcher to iterate without holding the registry lock while it
// runs per-subscription filter matching.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Count reports how many subscriptions are currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
