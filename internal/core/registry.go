package core

import (
	"slices"
	"sync"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type set[K comparable] map[K]struct{}

// Registry tracks which connection belongs to which room. A room exists
// exactly as long as it has members.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[domain.RoomName]set[ConnID]
	memberships map[ConnID]set[domain.RoomName]
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[domain.RoomName]set[ConnID]),
		memberships: make(map[ConnID]set[domain.RoomName]),
	}
}

// Join adds id to room, creating the room on first join. It reports whether
// the membership is new.
func (r *Registry) Join(id ConnID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(set[ConnID])
		r.rooms[room] = members
	}
	if _, ok := members[id]; ok {
		return false
	}
	members[id] = struct{}{}

	rooms, ok := r.memberships[id]
	if !ok {
		rooms = make(set[domain.RoomName])
		r.memberships[id] = rooms
	}
	rooms[room] = struct{}{}
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Str("room", string(room)).Msg("joined")
	return true
}

// Leave removes id from room. It reports whether id was a member.
func (r *Registry) Leave(id ConnID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(id, room)
}

// LeaveAll removes every membership of id and returns the rooms it left.
func (r *Registry) LeaveAll(id ConnID) []domain.RoomName {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := sortedKeys(r.memberships[id])
	for _, room := range rooms {
		r.leaveLocked(id, room)
	}
	return rooms
}

func (r *Registry) leaveLocked(id ConnID, room domain.RoomName) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if rooms, ok := r.memberships[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.memberships, id)
		}
	}
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Str("room", string(room)).Msg("left")
	return true
}

// MembersOf returns the members of room in a stable order.
func (r *Registry) MembersOf(room domain.RoomName) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

func (r *Registry) RoomsOf(id ConnID) []domain.RoomName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.memberships[id])
}

func (r *Registry) IsMember(id ConnID, room domain.RoomName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][id]
	return ok
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Rooms lists non-empty rooms with their member counts.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, name := range sortedKeys(r.rooms) {
		out = append(out, RoomInfo{Name: name, MemberCount: len(r.rooms[name])})
	}
	return out
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
