// ABOUTME: The routing table: identity id to the set of live connections.
// ABOUTME: Sharded by identity id hash so hot lookups do not share one lock.

package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/relayops/switchboard/internal/session"
)

const shardCount = 16

// Registry errors
var (
	// ErrAlreadyRegistered means the connection is already present under an
	// identity. A connection appears under at most one identity at a time.
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// shard holds the registrations for a slice of the identity space.
type shard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*session.Connection // identity id -> conn id -> conn
}

// Registry maps identity ids to their live connections. A second connection
// for an already-connected identity does not evict the first: both receive
// routed traffic. Critical sections are short and never block on delivery;
// callers enqueue onto the returned connections after the lock is released.
type Registry struct {
	shards [shardCount]*shard

	mu        sync.Mutex
	connOwner map[string]string // conn id -> identity id
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{connOwner: make(map[string]string)}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]map[string]*session.Connection)}
	}
	return r
}

func (r *Registry) shardFor(identityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection under an identity. Fails if the connection is
// already registered anywhere.
func (r *Registry) Register(identityID string, conn *session.Connection) error {
	r.mu.Lock()
	if _, exists := r.connOwner[conn.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.connOwner[conn.ID] = identityID
	r.mu.Unlock()

	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[identityID]
	if !ok {
		set = make(map[string]*session.Connection)
		s.conns[identityID] = set
	}
	set[conn.ID] = conn
	return nil
}

// Unregister removes a connection. Idempotent: unknown connections are a
// no-op.
func (r *Registry) Unregister(conn *session.Connection) {
	r.mu.Lock()
	identityID, ok := r.connOwner[conn.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connOwner, conn.ID)
	r.mu.Unlock()

	s := r.shardFor(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[identityID]
	if !ok {
		return
	}
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(s.conns, identityID)
	}
}

// Lookup returns the live connections for an identity. The slice is a copy;
// callers may enqueue onto it without holding any registry lock.
func (r *Registry) Lookup(identityID string) []*session.Connection {
	s := r.shardFor(identityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.conns[identityID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*session.Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// IsOnline reports whether an identity has at least one live connection.
// Exposed to the backend as a synchronous presence query.
func (r *Registry) IsOnline(identityID string) bool {
	s := r.shardFor(identityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[identityID]) > 0
}

// BroadcastTargets returns every connection matching the predicate, across
// all identities. Used for presence fan-out.
func (r *Registry) BroadcastTargets(match func(*session.Connection) bool) []*session.Connection {
	var out []*session.Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.conns {
			for _, conn := range set {
				if match(conn) {
					out = append(out, conn)
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ConnectionCount returns the total number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connOwner)
}

// IdentityCount returns the number of identities with at least one
// connection.
func (r *Registry) IdentityCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// OnlineIdentities returns the ids of every connected identity, for the
// admin presence listing.
func (r *Registry) OnlineIdentities() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.conns {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}
