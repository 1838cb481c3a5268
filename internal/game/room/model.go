// Package room provides the registry of named partitions that limit which
// sessions see each other's movement and chat.
package room

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when a room id is not provisioned.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull is returned when a room is at capacity.
	ErrRoomFull = errors.New("room full")
	// ErrNotMember is returned when leaving a room the session is not in.
	ErrNotMember = errors.New("not a member of room")
)

// Definition describes a pre-provisioned room.
type Definition struct {
	ID          string
	Name        string
	MaxCapacity int
}

// Validate checks the definition's invariants.
//
// Postcondition: Returns nil if ID and Name are non-empty and MaxCapacity >= 1.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("room id must not be empty")
	}
	if d.Name == "" {
		return fmt.Errorf("room %q: name must not be empty", d.ID)
	}
	if d.MaxCapacity < 1 {
		return fmt.Errorf("room %q: max_capacity must be >= 1, got %d", d.ID, d.MaxCapacity)
	}
	return nil
}

// Summary is a read-only view of a room.
type Summary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Occupied int    `json:"occupied"`
	Capacity int    `json:"capacity"`
}

type room struct {
	def     Definition
	members map[string]struct{}
}

func (r *room) summary() Summary {
	return Summary{
		ID:       r.def.ID,
		Name:     r.def.Name,
		Occupied: len(r.members),
		Capacity: r.def.MaxCapacity,
	}
}
