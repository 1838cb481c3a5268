// Package session holds the authoritative per-connection player state and the
// store indexing live sessions by connection id.
package session

import (
	"math"
	"sync"
	"time"
)

// Vec2 is a 2D vector in map pixels.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the euclidean distance between v and o.
func (v Vec2) Distance(o Vec2) float64 {
	return math.Hypot(o.X-v.X, o.Y-v.Y)
}

// Length returns the magnitude of v.
func (v Vec2) Length() float64 {
	return math.Hypot(v.X, v.Y)
}

// State is the mutable part of a session. Values returned by Snapshot are copies.
type State struct {
	Username string
	Position Vec2
	// Velocity is advisory; peers use it for dead reckoning only.
	Velocity Vec2
	RoomID   string
	// LastUpdate is the timestamp in milliseconds of the last accepted move.
	// Zero means no move has been accepted yet.
	LastUpdate int64

	Level     int
	Health    int
	MaxHealth int

	// UserID and CharacterID link the session to persisted identity. They are
	// only set after successful authentication.
	UserID        int64
	CharacterID   int64
	Authenticated bool
}

// Linked reports whether disconnect must flush state to character storage.
func (s State) Linked() bool {
	return s.Authenticated && s.CharacterID > 0
}

// Session is the server-side record for one live connection.
type Session struct {
	// ID is the opaque connection identity.
	ID          string
	ConnectedAt time.Time
	// Outbox carries encoded frames to the connection writer.
	Outbox *Outbox

	mu    sync.Mutex
	state State
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update runs fn with exclusive access to the session state. Reads and writes
// made inside fn are atomic with respect to every other Update and Snapshot.
func (s *Session) Update(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// DefaultUsername derives the guest display name from a connection id.
func DefaultUsername(id string) string {
	prefix := id
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return "Agent " + prefix
}
