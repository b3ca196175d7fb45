// Package registry tracks which users currently hold live connections.
//
// A user may be connected from several devices at once; each connection is a
// separate Handle. A user is online while at least one handle is registered.
// Online/offline transitions are pushed to observers as they happen.
package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Handle identifies one live connection.
type Handle interface {
	ID() string
}

// Transition is emitted when a user's handle set goes from empty to
// non-empty (Online) or back.
type Transition struct {
	UserID string
	Online bool
}

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	users map[string]map[string]Handle // userID -> handleID -> handle
}

// Registry is safe for concurrent use. Locks are per shard; there is no
// registry-wide lock on the connect/disconnect path.
type Registry struct {
	shards [shardCount]shard
	online atomic.Int64
	conns  atomic.Int64

	obsMu     sync.RWMutex
	observers []func(Transition)
}

// New returns an empty registry; every user starts offline.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]Handle)
	}
	return r
}

// Observe adds fn to the transition observers. fn runs while the user's
// shard is locked, so transitions for one user arrive in order; it must not
// block or call back into the registry.
func (r *Registry) Observe(fn func(Transition)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

func (r *Registry) notify(t Transition) {
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(t)
	}
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds h to userID's handle set. It reports whether this was the
// user's first handle. Registering the same handle twice is a no-op.
func (r *Registry) Register(userID string, h Handle) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]Handle, 1)
		s.users[userID] = set
	}
	if _, dup := set[h.ID()]; dup {
		return false
	}
	set[h.ID()] = h
	r.conns.Add(1)
	if len(set) != 1 {
		return false
	}
	r.online.Add(1)
	r.notify(Transition{UserID: userID, Online: true})
	return true
}

// Unregister removes exactly h from userID's handle set. It reports whether
// that left the user with no handles. Unknown handles are ignored.
func (r *Registry) Unregister(userID string, h Handle) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, present := set[h.ID()]; !present {
		return false
	}
	delete(set, h.ID())
	r.conns.Add(-1)
	if len(set) > 0 {
		return false
	}
	delete(s.users, userID)
	r.online.Add(-1)
	r.notify(Transition{UserID: userID, Online: false})
	return true
}

// IsOnline reports whether userID has at least one registered handle.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]) > 0
}

// HandlesFor returns a snapshot of userID's handles.
func (r *Registry) HandlesFor(userID string) []Handle {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.users[userID]
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// OnlineCount returns the number of users with at least one handle.
func (r *Registry) OnlineCount() int { return int(r.online.Load()) }

// ConnectionCount returns the number of registered handles.
func (r *Registry) ConnectionCount() int { return int(r.conns.Load()) }
