// Package character defines the persisted character model and pure creation
// logic.
package character

import "time"

// Character is a player character's persistent state.
//
// AccountID and ID are set by the persistence layer; zero values indicate an
// unsaved character.
type Character struct {
	ID        int64
	AccountID int64

	Name       string
	Level      int
	Experience int
	Money      int

	Health    int
	MaxHealth int

	PosX   float64
	PosY   float64
	RoomID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// State is the subset of a character flushed to storage when a session ends.
type State struct {
	PosX   float64
	PosY   float64
	RoomID string
	Health int
}

// State returns the persistable subset of c.
func (c *Character) State() State {
	return State{PosX: c.PosX, PosY: c.PosY, RoomID: c.RoomID, Health: c.Health}
}
