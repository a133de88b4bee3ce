package gateway

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Registry maps user ids to their single live session on this node. It is
// sharded by user id so unrelated logins and logouts do not contend; the
// insert / remove-if pair is atomic per key.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Insert installs s as the session for its user and returns the previously
// installed session, if any, for the caller to close. Atomic per key.
func (r *Registry) Insert(s *Session) *Session {
	sh := r.shard(s.UserID())
	sh.mu.Lock()
	old := sh.m[s.UserID()]
	sh.m[s.UserID()] = s
	sh.mu.Unlock()
	if old == s {
		return nil
	}
	return old
}

// Get returns the live session for userID, if present.
func (r *Registry) Get(userID string) (*Session, bool) {
	sh := r.shard(userID)
	sh.mu.RLock()
	s, ok := sh.m[userID]
	sh.mu.RUnlock()
	return s, ok
}

// RemoveIf removes the entry for userID only when the installed session id
// matches. A superseded session's close path therefore never evicts its
// successor. It reports whether an entry was removed.
func (r *Registry) RemoveIf(userID, sessionID string) bool {
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.m[userID]
	if !ok || s.ID() != sessionID {
		return false
	}
	delete(sh.m, userID)
	return true
}

// ForEach invokes fn for each present id, skipping absent ids. Iteration
// is per-key consistent, not a global snapshot.
func (r *Registry) ForEach(ids []string, fn func(*Session)) {
	for _, id := range ids {
		if s, ok := r.Get(id); ok {
			fn(s)
		}
	}
}

// Snapshot returns the currently installed sessions. The shutdown path uses
// it to close every session with a single cause.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of users with an installed session.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		total += len(sh.m)
		sh.mu.RUnlock()
	}
	return total
}
