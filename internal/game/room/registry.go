package room

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks room membership. A session belongs to at most one room, and
// the per-room member sets and the session→room index change together under
// one lock. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	memberOf  map[string]string // sessionID → roomID
	defaultID string
}

// NewRegistry creates a Registry from the given definitions. If no definition
// carries defaultRoom.ID, defaultRoom is provisioned as well.
//
// Precondition: defaultRoom must be valid.
// Postcondition: Returns a Registry, or an error on invalid or duplicate definitions.
func NewRegistry(defaultRoom Definition, defs []Definition) (*Registry, error) {
	if err := defaultRoom.Validate(); err != nil {
		return nil, fmt.Errorf("default room: %w", err)
	}

	r := &Registry{
		rooms:     make(map[string]*room, len(defs)+1),
		memberOf:  make(map[string]string),
		defaultID: defaultRoom.ID,
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.rooms[d.ID]; exists {
			return nil, fmt.Errorf("duplicate room ID: %q", d.ID)
		}
		r.rooms[d.ID] = &room{def: d, members: make(map[string]struct{})}
	}
	if _, ok := r.rooms[defaultRoom.ID]; !ok {
		r.rooms[defaultRoom.ID] = &room{def: defaultRoom, members: make(map[string]struct{})}
	}
	return r, nil
}

// Default returns the id of the room every session enters on connect.
func (r *Registry) Default() string {
	return r.defaultID
}

// Join moves sessionID into roomID, leaving its prior room if any.
//
// Postcondition: On success the session is a member of roomID only, and the
// previous room id (empty if none, or roomID itself if already a member) is
// returned. On ErrRoomNotFound or ErrRoomFull membership is unchanged.
func (r *Registry) Join(sessionID, roomID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	prev := r.memberOf[sessionID]
	if prev == roomID {
		return prev, nil
	}
	if len(target.members) >= target.def.MaxCapacity {
		return "", fmt.Errorf("%w: %s", ErrRoomFull, roomID)
	}

	if prev != "" {
		delete(r.rooms[prev].members, sessionID)
	}
	target.members[sessionID] = struct{}{}
	r.memberOf[sessionID] = roomID
	return prev, nil
}

// Leave removes sessionID from roomID.
//
// Postcondition: Returns ErrRoomNotFound or ErrNotMember without change, or nil after removal.
func (r *Registry) Leave(sessionID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if r.memberOf[sessionID] != roomID {
		return fmt.Errorf("%w: %s", ErrNotMember, roomID)
	}
	delete(rm.members, sessionID)
	delete(r.memberOf, sessionID)
	return nil
}

// Remove drops sessionID from whichever room it is in.
//
// Postcondition: Returns the room it was removed from, or ("", false) if it had none.
func (r *Registry) Remove(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.memberOf[sessionID]
	if !ok {
		return "", false
	}
	delete(r.rooms[roomID].members, sessionID)
	delete(r.memberOf, sessionID)
	return roomID, true
}

// RoomOf returns the room sessionID currently belongs to.
func (r *Registry) RoomOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.memberOf[sessionID]
	return roomID, ok
}

// Members returns the session ids in roomID, sorted.
//
// Postcondition: Returns an empty slice for unknown or empty rooms.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Get returns the summary for roomID.
func (r *Registry) Get(roomID string) (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return Summary{}, false
	}
	return rm.summary(), true
}

// List returns a summary of every room, default room first then by id.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == r.defaultID) != (out[j].ID == r.defaultID) {
			return out[i].ID == r.defaultID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of provisioned rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
