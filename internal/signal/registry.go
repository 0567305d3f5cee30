package signal

import (
	"sort"
	"sync"

	"github.com/aljazari-lab/kebbicall/internal/proto"
)

type regEntry struct {
	conn Conn
	info proto.DeviceInfo
}

// Registry maps device ids to their single live connection. A fresh
// register for an id the registry already holds supersedes the old
// connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]regEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]regEntry)}
}

// Set binds id to conn, returning the superseded connection if one was
// bound before.
func (r *Registry) Set(id string, conn Conn, info proto.DeviceInfo) (old Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[id]; ok && prev.conn != conn {
		old = prev.conn
	}
	r.entries[id] = regEntry{conn: conn, info: info}
	return old
}

func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// IsOnline reports whether id currently has a bound connection.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Remove unbinds id only when conn is still the bound connection. A
// stale disconnect from a superseded connection must not unregister
// the replacement.
func (r *Registry) Remove(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, id)
	return true
}

// Snapshot returns the online devices sorted by id.
func (r *Registry) Snapshot() []proto.DeviceInfo {
	r.mu.RLock()
	out := make([]proto.DeviceInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Conns returns all live connections, for broadcasts.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.conn)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
