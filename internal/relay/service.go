// Package relay implements the connection lifecycle state machine: it turns
// decoded client commands into session, room and chat mutations and fans the
// resulting events out to room peers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/auth"
	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/character"
	"github.com/mechapizzai/relay/internal/game/chat"
	"github.com/mechapizzai/relay/internal/game/movement"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/game/session"
	"github.com/mechapizzai/relay/internal/observability"
)

// ErrUnknownSession is returned when a command names no live session.
var ErrUnknownSession = errors.New("unknown session")

// Identity verifies bearer tokens.
type Identity interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// CharacterStore loads and persists characters.
//
// Precondition: ids must be > 0.
type CharacterStore interface {
	GetForAccount(ctx context.Context, accountID, id int64) (*character.Character, error)
	SaveState(ctx context.Context, id int64, st character.State) error
}

// Service owns all live relay state.
type Service struct {
	cfg config.GameConfig

	sessions  *session.Store
	rooms     *room.Registry
	chat      *chat.Relay
	validator *movement.Validator
	dispatch  *Dispatcher

	identity   Identity
	characters CharacterStore

	allowed map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time
}

// New assembles a Service from configuration.
//
// identity and characters may be nil; authentication then always fails and
// nothing is persisted.
func New(cfg config.Config, rooms *room.Registry, identity Identity, characters CharacterStore, logger *zap.Logger) *Service {
	game := cfg.Game
	mv := game.Movement
	sessions := session.NewStore(session.Defaults{
		Spawn:      session.Vec2{X: mv.SpawnX, Y: mv.SpawnY},
		Health:     game.DefaultHealth,
		OutboxSize: cfg.WebSocket.OutboxSize,
	})

	allowed := make(map[string]struct{}, len(game.AllowedActions))
	for _, a := range game.AllowedActions {
		allowed[a] = struct{}{}
	}

	return &Service{
		cfg:      game,
		sessions: sessions,
		rooms:    rooms,
		chat: chat.NewRelay(chat.Config{
			MaxLength:   game.Chat.MaxLength,
			Cooldown:    game.Chat.Cooldown,
			HistorySize: game.Chat.HistorySize,
		}),
		validator: movement.NewValidator(movement.Config{
			MaxSpeed:         mv.MaxSpeed,
			MaxPositionDelta: mv.MaxPositionDelta,
			MapWidth:         mv.MapWidth,
			MapHeight:        mv.MapHeight,
			Strict:           mv.TimestampPolicy != config.TimestampPolicyLenient,
		}),
		dispatch:   NewDispatcher(sessions, rooms, logger),
		identity:   identity,
		characters: characters,
		allowed:    allowed,
		logger:     logger,
		now:        time.Now,
	}
}

// Open registers a new connection and places it in the default room.
//
// Postcondition: On success the session is live, has received players:list
// and its peers have received player:joined. On room.ErrRoomFull the session
// is not registered.
func (s *Service) Open(id string) (*session.Session, error) {
	sess, created := s.sessions.Create(id)
	if !created {
		return sess, nil
	}

	lobby := s.rooms.Default()
	if _, err := s.rooms.Join(id, lobby); err != nil {
		s.sessions.Remove(id)
		return nil, fmt.Errorf("joining default room: %w", err)
	}
	sess.Update(func(st *session.State) { st.RoomID = lobby })

	s.dispatch.ToSession(id, EventPlayersList, s.roster(lobby, id))
	s.dispatch.ToRoom(lobby, EventPlayerJoined, viewOf(id, sess.Snapshot()), id)

	observability.ForSession(s.logger, id).Info("session opened",
		zap.String("room", lobby),
		zap.Int("online", s.sessions.Count()),
	)
	return sess, nil
}

// HandleFrame decodes a raw client frame and applies it.
func (s *Service) HandleFrame(ctx context.Context, id string, frame []byte) error {
	cmd, err := Decode(frame)
	if err != nil {
		if _, ok := s.sessions.Get(id); !ok {
			return ErrUnknownSession
		}
		s.sendError(id, CodeValidation, err.Error())
		return nil
	}
	return s.Handle(ctx, id, cmd)
}

// Handle applies one command from session id. Failures are reported to the
// session as events; the returned error is non-nil only for unknown sessions.
func (s *Service) Handle(ctx context.Context, id string, cmd Command) error {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	switch c := cmd.(type) {
	case Authenticate:
		s.authenticate(ctx, sess, c)
	case SetUsername:
		s.setUsername(sess, c)
	case Move:
		s.move(sess, c)
	case SetVelocity:
		s.setVelocity(sess, c)
	case Action:
		s.action(sess, c)
	case SendChat:
		s.sendChat(sess, c)
	case ChatHistory:
		roomID, _ := s.rooms.RoomOf(id)
		s.dispatch.ToSession(id, EventChatHistory, s.chat.History(roomID, s.cfg.Chat.HistoryLimit))
	case JoinRoom:
		s.joinRoom(sess, c)
	case LeaveRoom:
		s.leaveRoom(sess, c)
	case ListRooms:
		s.dispatch.ToSession(id, EventRoomList, s.rooms.List())
	case Ping:
		s.dispatch.ToSession(id, EventPong, c.Timestamp)
	default:
		s.sendError(id, CodeValidation, fmt.Sprintf("unsupported command %T", cmd))
	}
	return nil
}

// Close tears down session id: it leaves its room, peers are told, and a
// linked character is persisted. Calling Close again is a no-op.
func (s *Service) Close(id string) {
	sess, ok := s.sessions.Remove(id)
	if !ok {
		return
	}
	logger := observability.ForSession(s.logger, id)

	roomID, inRoom := s.rooms.Remove(id)
	if inRoom {
		s.dispatch.ToRoom(roomID, EventPlayerLeft, PlayerLeftPayload{PlayerID: id}, id)
	}
	s.chat.Forget(id)

	st := sess.Snapshot()
	if inRoom {
		st.RoomID = roomID
	}
	if st.Linked() && s.characters != nil {
		s.persist(logger, st, "disconnect")
	}

	logger.Info("session closed",
		zap.String("username", st.Username),
		zap.Int64("character_id", st.CharacterID),
		zap.Int("online", s.sessions.Count()),
	)
}

// persist writes the linked character's live state. Failures are logged.
func (s *Service) persist(logger *zap.Logger, st session.State, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	err := s.characters.SaveState(ctx, st.CharacterID, character.State{
		PosX:   st.Position.X,
		PosY:   st.Position.Y,
		RoomID: st.RoomID,
		Health: st.Health,
	})
	if err != nil {
		logger.Warn("saving character state",
			zap.String("trigger", trigger),
			zap.Int64("character_id", st.CharacterID),
			zap.Error(err),
		)
		return
	}
	logger.Info("character state saved",
		zap.String("trigger", trigger),
		zap.Int64("character_id", st.CharacterID),
		zap.String("room", st.RoomID),
	)
}

func (s *Service) authenticate(ctx context.Context, sess *session.Session, c Authenticate) {
	id := sess.ID
	logger := observability.ForSession(s.logger, id)
	if s.identity == nil {
		s.dispatch.ToSession(id, EventAuthError, MessagePayload{Message: "Authentication unavailable"})
		return
	}
	claims, err := s.identity.Verify(ctx, c.Token)
	if err != nil {
		msg := "Invalid or expired token"
		if errors.Is(err, auth.ErrInactiveAccount) {
			msg = "Account deactivated"
		}
		s.dispatch.ToSession(id, EventAuthError, MessagePayload{Message: msg})
		logger.Info("authentication failed", zap.Error(err))
		return
	}

	if c.CharacterID == 0 {
		var (
			name     string
			detached session.State
		)
		sess.Update(func(st *session.State) {
			// A character stays linked only while its owner is signed in.
			if st.Linked() && st.UserID != claims.UserID {
				detached = *st
				st.CharacterID = 0
			}
			st.UserID = claims.UserID
			st.Authenticated = true
			if claims.Username != "" {
				st.Username = claims.Username
			}
			name = st.Username
		})
		if detached.Linked() && s.characters != nil {
			s.persist(logger, detached, "account switch")
		}
		roomID, _ := s.rooms.RoomOf(id)
		s.dispatch.ToRoom(roomID, EventPlayerUpdated, PlayerUpdatedPayload{PlayerID: id, Username: name}, id)
		s.dispatch.ToSession(id, EventAuthSuccess, AuthSuccessPayload{UserID: claims.UserID, Username: name})
		return
	}

	if s.characters == nil {
		s.dispatch.ToSession(id, EventAuthError, MessagePayload{Message: "Character storage unavailable"})
		return
	}
	// Write back the live state before the stored row is reloaded or replaced.
	if st := sess.Snapshot(); st.Linked() {
		s.persist(logger, st, "reauthenticate")
	}
	ch, err := s.characters.GetForAccount(ctx, claims.UserID, c.CharacterID)
	if err != nil {
		s.dispatch.ToSession(id, EventAuthError, MessagePayload{Message: "Character not found"})
		logger.Info("loading character failed",
			zap.Int64("character_id", c.CharacterID),
			zap.Error(err),
		)
		return
	}

	prev, _ := s.rooms.RoomOf(id)
	target := ch.RoomID
	if _, ok := s.rooms.Get(target); !ok {
		target = s.rooms.Default()
	}
	if target != prev {
		if _, err := s.rooms.Join(id, target); err != nil {
			logger.Info("character room unavailable, staying put",
				zap.String("room", target),
				zap.Error(err),
			)
			target = prev
		}
	}

	pos := s.validator.Clamp(session.Vec2{X: ch.PosX, Y: ch.PosY})
	var st session.State
	sess.Update(func(state *session.State) {
		state.Username = ch.Name
		state.Position = pos
		state.Velocity = session.Vec2{}
		state.LastUpdate = 0
		state.Level = ch.Level
		state.Health = ch.Health
		state.MaxHealth = ch.MaxHealth
		state.RoomID = target
		state.UserID = claims.UserID
		state.CharacterID = ch.ID
		state.Authenticated = true
		st = *state
	})

	if target != prev {
		s.announceSwitch(id, prev, target)
	} else {
		s.dispatch.ToRoom(target, EventPlayerUpdated, PlayerUpdatedPayload{PlayerID: id, Username: st.Username}, id)
		s.dispatch.ToRoom(target, EventPlayerMoved, PlayerMovedPayload{
			PlayerID: id, X: pos.X, Y: pos.Y, Timestamp: s.now().UnixMilli(),
		}, id)
	}
	s.dispatch.ToSession(id, EventAuthSuccess, AuthSuccessPayload{
		UserID:      claims.UserID,
		Username:    st.Username,
		CharacterID: ch.ID,
	})
}

func (s *Service) setUsername(sess *session.Session, c SetUsername) {
	name := strings.TrimSpace(c.Username)
	if utf8.RuneCountInString(name) > s.cfg.UsernameMax {
		name = string([]rune(name)[:s.cfg.UsernameMax])
		name = strings.TrimSpace(name)
	}
	if utf8.RuneCountInString(name) < s.cfg.UsernameMin {
		s.sendError(sess.ID, CodeValidation,
			fmt.Sprintf("Username must be at least %d characters", s.cfg.UsernameMin))
		return
	}

	var roomID string
	sess.Update(func(st *session.State) {
		st.Username = name
		roomID = st.RoomID
	})
	s.dispatch.ToSession(sess.ID, EventUsernameSet, UsernameSetPayload{Username: name})
	s.dispatch.ToRoom(roomID, EventPlayerUpdated, PlayerUpdatedPayload{PlayerID: sess.ID, Username: name}, sess.ID)
}

func (s *Service) move(sess *session.Session, c Move) {
	now := s.now().UnixMilli()
	ts := c.Timestamp
	switch limit := now + s.cfg.Movement.MaxClockSkew.Milliseconds(); {
	case ts == 0:
		ts = now
	case ts > limit:
		ts = limit
	}

	var (
		result movement.Result
		pos    session.Vec2
		roomID string
	)
	sess.Update(func(st *session.State) {
		result = s.validator.Validate(movement.Input{
			Prev:       st.Position,
			LastUpdate: st.LastUpdate,
			Proposed:   c.Position,
			Timestamp:  ts,
		})
		if result.Accepted {
			st.Position = c.Position
			st.LastUpdate = ts
		}
		pos = st.Position
		roomID = st.RoomID
	})

	if !result.Accepted {
		s.dispatch.ToSession(sess.ID, EventPositionCorrected, PositionCorrectedPayload{
			X: pos.X, Y: pos.Y, Reason: string(result.Reason),
		})
		observability.ForSession(s.logger, sess.ID).Debug("move rejected",
			zap.String("reason", string(result.Reason)),
			zap.Float64("x", c.Position.X),
			zap.Float64("y", c.Position.Y),
		)
		return
	}
	s.dispatch.ToRoom(roomID, EventPlayerMoved, PlayerMovedPayload{
		PlayerID: sess.ID, X: pos.X, Y: pos.Y, Timestamp: ts,
	}, sess.ID)
}

func (s *Service) setVelocity(sess *session.Session, c SetVelocity) {
	if !s.validator.ValidateVelocity(c.Velocity) {
		return
	}
	var roomID string
	sess.Update(func(st *session.State) {
		st.Velocity = c.Velocity
		roomID = st.RoomID
	})
	s.dispatch.ToRoom(roomID, EventVelocity, VelocityPayload{
		PlayerID: sess.ID, VX: c.Velocity.X, VY: c.Velocity.Y,
	}, sess.ID)
}

func (s *Service) action(sess *session.Session, c Action) {
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[c.Name]; !ok {
			s.sendError(sess.ID, CodeActionNotAllowed, fmt.Sprintf("Action %q is not allowed", c.Name))
			return
		}
	}
	if s.cfg.MaxActionData > 0 && len(c.Data) > s.cfg.MaxActionData {
		s.sendError(sess.ID, CodeValidation, "Action data too large")
		return
	}
	roomID, _ := s.rooms.RoomOf(sess.ID)
	s.dispatch.ToRoom(roomID, EventAction, ActionPayload{
		PlayerID: sess.ID, Action: c.Name, Data: c.Data,
	}, sess.ID)
}

func (s *Service) sendChat(sess *session.Session, c SendChat) {
	st := sess.Snapshot()
	msg, err := s.chat.Post(sess.ID, st.Username, st.RoomID, c.Message)
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		s.sendError(sess.ID, CodeRateLimited, "You are sending messages too fast")
		return
	case errors.Is(err, chat.ErrEmpty):
		s.sendError(sess.ID, CodeValidation, "Message is empty")
		return
	case err != nil:
		s.logger.Error("posting chat", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	s.dispatch.ToRoom(st.RoomID, EventChatMessage, msg, "")
}

func (s *Service) joinRoom(sess *session.Session, c JoinRoom) {
	prev, err := s.rooms.Join(sess.ID, c.RoomID)
	if err != nil {
		s.sendRoomError(sess.ID, err)
		return
	}
	if prev == c.RoomID {
		s.sendRoomEntry(sess.ID, c.RoomID)
		return
	}
	sess.Update(func(st *session.State) { st.RoomID = c.RoomID })
	s.announceSwitch(sess.ID, prev, c.RoomID)
}

func (s *Service) leaveRoom(sess *session.Session, c LeaveRoom) {
	current, _ := s.rooms.RoomOf(sess.ID)
	if c.RoomID != current {
		if _, ok := s.rooms.Get(c.RoomID); !ok {
			s.sendRoomError(sess.ID, fmt.Errorf("%w: %s", room.ErrRoomNotFound, c.RoomID))
			return
		}
		s.sendRoomError(sess.ID, fmt.Errorf("%w: %s", room.ErrNotMember, c.RoomID))
		return
	}
	lobby := s.rooms.Default()
	if current == lobby {
		s.sendError(sess.ID, CodeValidation, "Cannot leave the default room")
		return
	}
	if _, err := s.rooms.Join(sess.ID, lobby); err != nil {
		s.sendRoomError(sess.ID, err)
		return
	}
	sess.Update(func(st *session.State) { st.RoomID = lobby })
	s.dispatch.ToSession(sess.ID, EventRoomLeft, RoomLeftPayload{RoomID: current})
	s.announceSwitch(sess.ID, current, lobby)
}

// announceSwitch emits the events for a completed move from prev to next.
func (s *Service) announceSwitch(id, prev, next string) {
	if prev != "" {
		s.dispatch.ToRoom(prev, EventPlayerLeft, PlayerLeftPayload{PlayerID: id}, id)
	}
	s.sendRoomEntry(id, next)
	if sess, ok := s.sessions.Get(id); ok {
		s.dispatch.ToRoom(next, EventPlayerJoined, viewOf(id, sess.Snapshot()), id)
	}
	observability.ForSession(s.logger, id).Debug("room switched",
		zap.String("from", prev),
		zap.String("to", next),
	)
}

func (s *Service) sendRoomEntry(id, roomID string) {
	summary, _ := s.rooms.Get(roomID)
	peers := s.roster(roomID, id)
	s.dispatch.ToSession(id, EventRoomJoined, RoomJoinedPayload{
		RoomID:   roomID,
		RoomName: summary.Name,
		Players:  peers,
	})
	s.dispatch.ToSession(id, EventPlayersList, peers)
}

func (s *Service) roster(roomID, exclude string) []PlayerView {
	members := s.rooms.Members(roomID)
	out := make([]PlayerView, 0, len(members))
	for _, mid := range members {
		if mid == exclude {
			continue
		}
		if sess, ok := s.sessions.Get(mid); ok {
			out = append(out, viewOf(mid, sess.Snapshot()))
		}
	}
	return out
}

func (s *Service) sendRoomError(id string, err error) {
	code := CodeValidation
	switch {
	case errors.Is(err, room.ErrRoomFull):
		code = CodeRoomFull
	case errors.Is(err, room.ErrRoomNotFound):
		code = CodeRoomNotFound
	case errors.Is(err, room.ErrNotMember):
		code = CodeNotMember
	}
	s.sendError(id, code, err.Error())
}

func (s *Service) sendError(id, code, msg string) {
	s.dispatch.ToSession(id, EventError, ErrorPayload{Message: msg, Code: code})
}

// Players returns snapshots of every live session.
func (s *Service) Players() []PlayerView {
	all := s.sessions.All()
	out := make([]PlayerView, 0, len(all))
	for _, sess := range all {
		out = append(out, viewOf(sess.ID, sess.Snapshot()))
	}
	return out
}

// Rooms returns summaries of every room.
func (s *Service) Rooms() []room.Summary {
	return s.rooms.List()
}

// PlayerCount returns the number of live sessions.
func (s *Service) PlayerCount() int {
	return s.sessions.Count()
}

// RoomCount returns the number of rooms.
func (s *Service) RoomCount() int {
	return s.rooms.Count()
}
