package session

import (
	"sort"
	"sync"
	"time"
)

// Defaults configures newly created sessions.
type Defaults struct {
	Spawn      Vec2
	Health     int
	OutboxSize int
}

// Store tracks all live sessions by connection id.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	defaults Defaults
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore(defaults Defaults) *Store {
	if defaults.Health <= 0 {
		defaults.Health = 100
	}
	return &Store{
		sessions: make(map[string]*Session),
		defaults: defaults,
		now:      time.Now,
	}
}

// Create registers a session for id, or returns the live session already
// registered under id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the session for id and whether it was newly created.
func (s *Store) Create(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess, false
	}

	sess := &Session{
		ID:          id,
		ConnectedAt: s.now(),
		Outbox:      NewOutbox(s.defaults.OutboxSize),
		state: State{
			Username:  DefaultUsername(id),
			Position:  s.defaults.Spawn,
			Level:     1,
			Health:    s.defaults.Health,
			MaxHealth: s.defaults.Health,
		},
	}
	s.sessions[id] = sess
	return sess, true
}

// Get returns the session for id.
//
// Postcondition: Returns (session, true) if live, or (nil, false) otherwise.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes the session for id and closes its outbox.
//
// Postcondition: Returns the removed session and true exactly once per live id.
func (s *Store) Remove(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		sess.Outbox.Close()
	}
	return sess, ok
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// All returns every live session ordered by connection time.
func (s *Store) All() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
