// Package server tracks which live sessions belong to which rooms and
// resolves broadcast targets through the RoomRegistry type.
package server

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SessionID identifies one live connection for the lifetime of that
// connection. Ids are never reused; a reconnecting client gets a fresh one.
type SessionID = uuid.UUID

// RoomRegistry is the shared membership map between sessions and rooms. It
// keeps both directions of every membership edge and mutates them inside a
// single critical section, so no caller can observe an edge that exists in
// one direction only.
//
// Rooms exist only as keys: joining an unknown room name creates it, and a
// room with no members simply has no key. There is no create or destroy
// lifecycle.
type RoomRegistry struct {
	mu       sync.RWMutex
	rooms    map[string]map[SessionID]struct{}
	sessions map[SessionID]map[string]struct{}
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:    make(map[string]map[SessionID]struct{}),
		sessions: make(map[SessionID]map[string]struct{}),
	}
}

// Join adds the membership edge between session and room, creating the room
// on first use. Joining a room the session is already in is a no-op.
func (r *RoomRegistry) Join(session SessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[SessionID]struct{})
	}
	r.rooms[room][session] = struct{}{}

	if r.sessions[session] == nil {
		r.sessions[session] = make(map[string]struct{})
	}
	r.sessions[session][room] = struct{}{}
}

// Leave removes the membership edge. Leaving a room the session is not in is
// a no-op; leaving the last room leaves the session in no rooms at all.
func (r *RoomRegistry) Leave(session SessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeEdge(session, room)
}

// Members returns a snapshot of the session ids currently in room. A room
// nobody is in yields an empty slice.
func (r *RoomRegistry) Members(room string) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]SessionID, 0, len(r.rooms[room]))
	for session := range r.rooms[room] {
		members = append(members, session)
	}
	return members
}

// Rooms returns a sorted snapshot of the rooms the session is currently in.
func (r *RoomRegistry) Rooms(session SessionID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.sessions[session]))
	for room := range r.sessions[session] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Disconnect removes the session from every room it is in. The hub calls
// this exactly once, when the connection is unregistered.
func (r *RoomRegistry) Disconnect(session SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.sessions[session] {
		r.removeEdge(session, room)
	}
	delete(r.sessions, session)
}

// removeEdge deletes both directions of one membership edge and drops empty
// map entries. Callers must hold the write lock.
func (r *RoomRegistry) removeEdge(session SessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.sessions[session]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.sessions, session)
		}
	}
}
