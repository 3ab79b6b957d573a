// Package registry tracks which live connections belong to which identity.
//
// An identity is online iff its connection set is non-empty. The identity
// maps are split into shards keyed by a hash of the identity id; every
// mutation of one identity's set happens under that shard's lock, so the
// first-connection and last-disconnection transitions are each detected and
// reported exactly once even when several connections of the same identity
// come and go concurrently.
//
// Each transition carries an epoch drawn from a process-wide counter while
// the shard lock is held. Epochs for one identity therefore increase in the
// order the transitions happened, which lets presence consumers discard a
// transition that arrives after a later one.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/haven/realtime/internal/shard"
)

// Transition describes a change in an identity's online state.
type Transition struct {
	IdentityID string
	Online     bool
	Epoch      uint64
}

type identityShard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // identity -> set of conn ids
}

type connShard struct {
	mu       sync.RWMutex
	identity map[string]string // conn id -> identity
}

// Registry is the identity↔connection index. The zero value is not usable;
// create one with New.
type Registry struct {
	identities [shard.Count]*identityShard
	conns      [shard.Count]*connShard
	epoch      atomic.Uint64
	total      atomic.Int64
	online     atomic.Int64
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.identities {
		r.identities[i] = &identityShard{conns: make(map[string]map[string]struct{})}
		r.conns[i] = &connShard{identity: make(map[string]string)}
	}
	return r
}

func (r *Registry) identityShard(identityID string) *identityShard {
	return r.identities[shard.Index(identityID, shard.Count)]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[shard.Index(connID, shard.Count)]
}

// Register adds connID to identityID's set. The returned transition is
// meaningful only when first is true, i.e. the identity had no connection
// before. Registering a connection id that is already known is a no-op and
// reports first=false.
func (r *Registry) Register(identityID, connID string) (t Transition, first bool) {
	is := r.identityShard(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()

	cs := r.connShard(connID)
	cs.mu.Lock()
	if _, exists := cs.identity[connID]; exists {
		cs.mu.Unlock()
		return Transition{}, false
	}
	cs.identity[connID] = identityID
	cs.mu.Unlock()

	set, ok := is.conns[identityID]
	if !ok {
		set = make(map[string]struct{}, 1)
		is.conns[identityID] = set
	}
	set[connID] = struct{}{}
	r.total.Add(1)

	if len(set) != 1 {
		return Transition{}, false
	}
	r.online.Add(1)
	return Transition{IdentityID: identityID, Online: true, Epoch: r.epoch.Add(1)}, true
}

// Unregister removes connID. ok is false when the connection was unknown or
// already removed. last is true when this was the identity's final
// connection; in that case t describes the offline transition.
func (r *Registry) Unregister(connID string) (t Transition, last bool, ok bool) {
	identityID, known := r.IdentityFor(connID)
	if !known {
		return Transition{}, false, false
	}

	// Lock order is identity shard, then connection shard.
	is := r.identityShard(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()

	cs := r.connShard(connID)
	cs.mu.Lock()
	if owner, still := cs.identity[connID]; !still || owner != identityID {
		cs.mu.Unlock()
		return Transition{}, false, false
	}
	delete(cs.identity, connID)
	cs.mu.Unlock()

	set := is.conns[identityID]
	delete(set, connID)
	r.total.Add(-1)

	if len(set) > 0 {
		return Transition{IdentityID: identityID}, false, true
	}
	delete(is.conns, identityID)
	r.online.Add(-1)
	return Transition{IdentityID: identityID, Online: false, Epoch: r.epoch.Add(1)}, true, true
}

// ConnectionsFor returns a snapshot of identityID's connection ids.
func (r *Registry) ConnectionsFor(identityID string) []string {
	is := r.identityShard(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()

	set := is.conns[identityID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IdentityFor returns the identity owning connID.
func (r *Registry) IdentityFor(connID string) (string, bool) {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	id, ok := cs.identity[connID]
	return id, ok
}

// IsOnline reports whether identityID has at least one connection.
func (r *Registry) IsOnline(identityID string) bool {
	is := r.identityShard(identityID)
	is.mu.Lock()
	defer is.mu.Unlock()
	return len(is.conns[identityID]) > 0
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.total.Load())
}

// OnlineCount returns the number of identities with at least one connection.
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}
