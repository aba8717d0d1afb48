// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"sort"
	"strings"
	"sync"
)

// A Registry tracks the peers whose handshakes have completed. Each entry
// pairs the last identity record received for an id with the live connection
// it arrived on. An entry never outlives its connection: removal happens on
// the same cleanup path that destroys the socket, so absence of a connection
// implies absence of an entry.
//
// A Registry is owned by exactly one Service and passed explicitly to the
// components that consult it.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*peerEntry
}

type peerEntry struct {
	id   Identity
	conn *conn
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peerEntry)}
}

// Bind associates c with the identity record id, creating or repointing the
// entry for id.ID. It reports whether the id was previously unknown, along
// with any different connection the id was bound to before. The caller must
// close a returned prior connection: the newest handshake for an id wins.
func (r *Registry) Bind(c *conn, id Identity) (isNew bool, prev *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id.ID]
	if !ok {
		r.peers[id.ID] = &peerEntry{id: id, conn: c}
		return true, nil
	}
	if e.conn != c {
		prev = e.conn
	}
	e.id = id
	e.conn = c
	return false, prev
}

// Update overwrites the stored identity record for id.ID, reporting whether
// the id was known. Unknown ids are not created: only a handshake can
// introduce an entry.
func (r *Registry) Update(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id.ID]
	if !ok {
		return false
	}
	e.id = id
	return true
}

// SetEmergencyAccess updates the stored CanSendEmergency flag for the peer
// with the given id, returning the updated record.
func (r *Registry) SetEmergencyAccess(id string, granted bool) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return Identity{}, false
	}
	e.id.CanSendEmergency = granted
	return e.id, true
}

// Remove deletes every entry bound to c and returns their ids. A connection
// normally carries at most one entry, but a socket that handshakes again
// under a different id can momentarily have two; both must go when the
// socket does.
func (r *Registry) Remove(c *conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.peers {
		if e.conn == c {
			delete(r.peers, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// Conn returns the connection bound to id, if the id is registered.
func (r *Registry) Conn(id string) (*conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// ConnPrefix returns the connection for the peer whose id begins with the
// given short prefix. Directory advertisements carry only the prefix, so
// departures are matched this way.
func (r *Registry) ConnPrefix(prefix string) (*conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.peers {
		if strings.HasPrefix(id, prefix) {
			return e.conn, true
		}
	}
	return nil, false
}

// List returns a snapshot of the registered identity records, ordered by id.
func (r *Registry) List() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
