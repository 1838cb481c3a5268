// Package chat implements the rate-limited, length-bounded room chat relay
// with per-room bounded history.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrEmpty is returned when a message is blank after trimming.
	ErrEmpty = errors.New("chat message is empty")
	// ErrRateLimited is returned when a session posts inside its cooldown.
	ErrRateLimited = errors.New("chat rate limited")
)

// Message is an immutable chat entry.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"playerId"`
	SenderName string `json:"username"`
	Body       string `json:"message"`
	// Timestamp is in milliseconds since the Unix epoch.
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

// Config bounds message size and frequency.
type Config struct {
	MaxLength   int
	Cooldown    time.Duration
	HistorySize int
}

// Relay posts messages and keeps room histories. Safe for concurrent use.
type Relay struct {
	cfg Config

	mu        sync.Mutex
	histories map[string]*history
	limiters  map[string]*rate.Limiter

	now   func() time.Time
	newID func() string
}

// NewRelay creates a Relay.
func NewRelay(cfg Config) *Relay {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 200
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Relay{
		cfg:       cfg,
		histories: make(map[string]*history),
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Post validates raw and appends it to the room's history.
//
// Precondition: sessionID and roomID must be non-empty.
// Postcondition: On success the message is stored and returned. ErrEmpty and
// ErrRateLimited leave history and the cooldown untouched.
func (r *Relay) Post(sessionID, username, roomID, raw string) (Message, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return Message{}, ErrEmpty
	}
	body = truncateRunes(body, r.cfg.MaxLength)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.limiterFor(sessionID).AllowN(now, 1) {
		return Message{}, ErrRateLimited
	}

	msg := Message{
		ID:         r.newID(),
		SenderID:   sessionID,
		SenderName: username,
		Body:       body,
		Timestamp:  now.UnixMilli(),
		RoomID:     roomID,
	}
	h, ok := r.histories[roomID]
	if !ok {
		h = newHistory(r.cfg.HistorySize)
		r.histories[roomID] = h
	}
	h.push(msg)
	return msg, nil
}

// History returns the newest limit messages of roomID in chronological order.
// A limit <= 0 returns the whole buffer.
func (r *Relay) History(roomID string, limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histories[roomID]
	if !ok {
		return []Message{}
	}
	return h.last(limit)
}

// Forget drops the cooldown state of a departed session.
func (r *Relay) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.limiters, sessionID)
	r.mu.Unlock()
}

// limiterFor must be called with r.mu held.
func (r *Relay) limiterFor(sessionID string) *rate.Limiter {
	l, ok := r.limiters[sessionID]
	if !ok {
		limit := rate.Inf
		if r.cfg.Cooldown > 0 {
			limit = rate.Every(r.cfg.Cooldown)
		}
		l = rate.NewLimiter(limit, 1)
		r.limiters[sessionID] = l
	}
	return l
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
