// Copyright 2024-2026 Aiku AI

package appservice

import (
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

// RoomStore tracks room membership observed through the inbound event feed.
// It is a cache, not a source of truth: the homeserver remains authoritative
// and the store only reflects the member events this appservice has seen.
type RoomStore struct {
	mu      sync.RWMutex
	members map[id.RoomID]map[id.UserID]struct{}
}

// NewRoomStore creates an empty room membership cache.
func NewRoomStore() *RoomStore {
	return &RoomStore{members: make(map[id.RoomID]map[id.UserID]struct{})}
}

// AddMember records userID as joined to roomID.
func (s *RoomStore) AddMember(roomID id.RoomID, userID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.members[roomID]
	if !ok {
		room = make(map[id.UserID]struct{})
		s.members[roomID] = room
	}
	room[userID] = struct{}{}
}

// RemoveMember records userID as no longer in roomID. Empty rooms are
// dropped from the cache.
func (s *RoomStore) RemoveMember(roomID id.RoomID, userID id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.members[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(s.members, roomID)
	}
}

// IsMember reports whether userID is known to be in roomID.
func (s *RoomStore) IsMember(roomID id.RoomID, userID id.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[roomID][userID]
	return ok
}

// Members returns the known members of roomID in stable order.
func (s *RoomStore) Members(roomID id.RoomID) []id.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.members[roomID]
	members := make([]id.UserID, 0, len(room))
	for userID := range room {
		members = append(members, userID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// Rooms returns the IDs of all rooms with known members in stable order.
func (s *RoomStore) Rooms() []id.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]id.RoomID, 0, len(s.members))
	for roomID := range s.members {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// RoomsWithMember returns the rooms userID is known to be in, stable order.
func (s *RoomStore) RoomsWithMember(userID id.UserID) []id.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []id.RoomID
	for roomID, room := range s.members {
		if _, ok := room[userID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}
