package relay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/game/session"
)

// Dispatcher fans encoded events out to session outboxes. Delivery is
// fire-and-forget: nothing is acknowledged or retried.
type Dispatcher struct {
	sessions *session.Store
	rooms    *room.Registry
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sessions *session.Store, rooms *room.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{sessions: sessions, rooms: rooms, logger: logger}
}

// ToRoom delivers event to every member of roomID except exclude.
// The payload is encoded once.
func (d *Dispatcher) ToRoom(roomID, event string, payload any, exclude string) {
	members := d.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}
	frame, err := Encode(event, payload)
	if err != nil {
		d.logger.Error("encoding broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, id := range members {
		if id == exclude {
			continue
		}
		d.push(id, event, frame)
	}
}

// ToSession delivers event to a single session.
func (d *Dispatcher) ToSession(sessionID, event string, payload any) {
	frame, err := Encode(event, payload)
	if err != nil {
		d.logger.Error("encoding message", zap.String("event", event), zap.Error(err))
		return
	}
	d.push(sessionID, event, frame)
}

func (d *Dispatcher) push(sessionID, event string, frame []byte) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return
	}
	err := sess.Outbox.Push(frame)
	switch {
	case err == nil, errors.Is(err, session.ErrOutboxClosed):
	case errors.Is(err, session.ErrOutboxFull):
		// Sampled at the 1st, 2nd, 4th, 8th... drop for each session.
		if n := sess.Outbox.Dropped(); n&(n-1) == 0 {
			d.logger.Warn("outbox full, dropping frame",
				zap.String("session_id", sessionID),
				zap.String("event", event),
				zap.Uint64("dropped", n),
			)
		}
	default:
		d.logger.Error("delivering frame", zap.String("session_id", sessionID), zap.Error(err))
	}
}
