package notify

import (
	"sort"
	"sync"
)

// Registry tracks which rooms each live connection has joined. Join and
// Leave are idempotent; Drop forgets a connection entirely.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room and reports whether it was newly added.
func (r *Registry) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, in := members[connID]; in {
		return false
	}
	members[connID] = struct{}{}

	joined, ok := r.conns[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.conns[connID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes connID from room and reports whether it was a member.
func (r *Registry) Leave(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(connID, room)
}

func (r *Registry) leave(connID, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[connID]; !in {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined, ok := r.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// Drop removes every membership of connID and returns the rooms it left.
func (r *Registry) Drop(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room := range r.conns[connID] {
		left = append(left, room)
	}
	for _, room := range left {
		r.leave(connID, room)
	}
	sort.Strings(left)
	return left
}

// Members returns the connections in room, sorted.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// Rooms returns the rooms connID has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.conns[connID])
}

// Audience returns the distinct connections that belong to any of rooms.
func (r *Registry) Audience(rooms ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, room := range rooms {
		for conn := range r.rooms[room] {
			seen[conn] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
