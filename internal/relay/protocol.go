package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mechapizzai/relay/internal/game/session"
)

// ErrValidation marks malformed or oversized client input.
var ErrValidation = errors.New("validation error")

// maxTimestamp is the largest client timestamp in milliseconds; every integer
// up to it is exact in a JSON number.
const maxTimestamp = 1 << 53

// Client to server events.
const (
	EventAuthLogin   = "auth:login"
	EventSetUsername = "player:setUsername"
	EventMove        = "player:move"
	EventVelocity    = "player:velocity"
	EventAction      = "player:action"
	EventChatMessage = "chat:message"
	EventChatHistory = "chat:history"
	EventRoomJoin    = "room:join"
	EventRoomLeave   = "room:leave"
	EventRoomList    = "room:list"
	EventPing        = "ping"
)

// Server to client events. Some names are shared with client events.
const (
	EventAuthSuccess       = "auth:success"
	EventAuthError         = "auth:error"
	EventUsernameSet       = "player:usernameSet"
	EventPlayerUpdated     = "player:updated"
	EventPlayerMoved       = "player:moved"
	EventPositionCorrected = "player:positionCorrected"
	EventRoomJoined        = "room:joined"
	EventRoomLeft          = "room:left"
	EventPlayerJoined      = "player:joined"
	EventPlayerLeft        = "player:left"
	EventPlayersList       = "players:list"
	EventPong              = "pong"
	EventError             = "error"
)

// Error codes carried by the error event.
const (
	CodeValidation       = "validation"
	CodeRateLimited      = "rate_limited"
	CodeRoomFull         = "room_full"
	CodeRoomNotFound     = "room_not_found"
	CodeNotMember        = "not_member"
	CodeActionNotAllowed = "action_not_allowed"
)

// Envelope is the frame carried on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return frame, nil
}

// Command is one decoded client request.
type Command interface {
	command()
}

// Authenticate asks to link the session to an account and optionally a
// character. CharacterID is 0 when absent.
type Authenticate struct {
	Token       string
	CharacterID int64
}

// SetUsername renames a session.
type SetUsername struct {
	Username string
}

// Move proposes a new position. Timestamp is in ms and 0 when absent.
type Move struct {
	Position  session.Vec2
	Timestamp int64
}

// SetVelocity declares the advisory velocity.
type SetVelocity struct {
	Velocity session.Vec2
}

// Action is an opaque gameplay event relayed to room peers.
type Action struct {
	Name string
	Data json.RawMessage
}

// SendChat posts a chat message.
type SendChat struct {
	Message string
}

// ChatHistory requests recent room chat.
type ChatHistory struct{}

// JoinRoom switches the session to another room.
type JoinRoom struct {
	RoomID string
}

// LeaveRoom leaves the named room.
type LeaveRoom struct {
	RoomID string
}

// ListRooms requests room summaries.
type ListRooms struct{}

// Ping carries a client timestamp to echo back.
type Ping struct {
	Timestamp json.RawMessage
}

func (Authenticate) command() {}
func (SetUsername) command()  {}
func (Move) command()         {}
func (SetVelocity) command()  {}
func (Action) command()       {}
func (SendChat) command()     {}
func (ChatHistory) command()  {}
func (JoinRoom) command()     {}
func (LeaveRoom) command()    {}
func (ListRooms) command()    {}
func (Ping) command()         {}

type authLoginData struct {
	Token       string     `json:"token"`
	CharacterID flexibleID `json:"characterId"`
}

type setUsernameData struct {
	Username string `json:"username"`
}

type moveData struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Timestamp *float64 `json:"timestamp"`
}

type velocityData struct {
	VX *float64 `json:"vx"`
	VY *float64 `json:"vy"`
}

type actionData struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type chatData struct {
	Message string `json:"message"`
}

type roomData struct {
	RoomID string `json:"roomId"`
}

// flexibleID accepts a character id as a JSON number or numeric string.
type flexibleID int64

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return fmt.Errorf("bad id %s", b)
	}
	*f = flexibleID(id)
	return nil
}

// Decode parses a client frame into a Command.
//
// Postcondition: Returns a Command, or an error wrapping ErrValidation.
func Decode(frame []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrValidation, err)
	}
	switch env.Event {
	case EventAuthLogin:
		var d authLoginData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Token == "" {
			return nil, fmt.Errorf("%w: token is required", ErrValidation)
		}
		return Authenticate{Token: d.Token, CharacterID: int64(d.CharacterID)}, nil

	case EventSetUsername:
		var d setUsernameData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return SetUsername{Username: d.Username}, nil

	case EventMove:
		var d moveData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.X == nil || d.Y == nil {
			return nil, fmt.Errorf("%w: x and y are required", ErrValidation)
		}
		m := Move{Position: session.Vec2{X: *d.X, Y: *d.Y}}
		if d.Timestamp != nil {
			ts := *d.Timestamp
			if math.IsNaN(ts) || math.IsInf(ts, 0) || ts <= 0 || ts > maxTimestamp {
				return nil, fmt.Errorf("%w: timestamp must be a positive epoch millisecond value", ErrValidation)
			}
			m.Timestamp = int64(ts)
		}
		return m, nil

	case EventVelocity:
		var d velocityData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.VX == nil || d.VY == nil {
			return nil, fmt.Errorf("%w: vx and vy are required", ErrValidation)
		}
		return SetVelocity{Velocity: session.Vec2{X: *d.VX, Y: *d.VY}}, nil

	case EventAction:
		var d actionData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Action == "" {
			return nil, fmt.Errorf("%w: action is required", ErrValidation)
		}
		return Action{Name: d.Action, Data: d.Data}, nil

	case EventChatMessage:
		var d chatData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return SendChat{Message: d.Message}, nil

	case EventChatHistory:
		return ChatHistory{}, nil

	case EventRoomJoin, EventRoomLeave:
		var d roomData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.RoomID == "" {
			return nil, fmt.Errorf("%w: roomId is required", ErrValidation)
		}
		if env.Event == EventRoomJoin {
			return JoinRoom{RoomID: d.RoomID}, nil
		}
		return LeaveRoom{RoomID: d.RoomID}, nil

	case EventRoomList:
		return ListRooms{}, nil

	case EventPing:
		ts := bytes.TrimSpace(env.Data)
		if len(ts) == 0 {
			ts = json.RawMessage("null")
		}
		return Ping{Timestamp: ts}, nil

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event)
	}
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrValidation, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidation, env.Event, err)
	}
	return nil
}

// PlayerView is the player snapshot sent to clients.
type PlayerView struct {
	ID        string       `json:"id"`
	Username  string       `json:"username"`
	Position  session.Vec2 `json:"position"`
	Velocity  session.Vec2 `json:"velocity"`
	Level     int          `json:"level"`
	Health    int          `json:"health"`
	MaxHealth int          `json:"maxHealth"`
	Room      string       `json:"room"`
}

func viewOf(id string, st session.State) PlayerView {
	return PlayerView{
		ID:        id,
		Username:  st.Username,
		Position:  st.Position,
		Velocity:  st.Velocity,
		Level:     st.Level,
		Health:    st.Health,
		MaxHealth: st.MaxHealth,
		Room:      st.RoomID,
	}
}

// Outbound payloads.
type (
	AuthSuccessPayload struct {
		UserID      int64  `json:"userId"`
		Username    string `json:"username"`
		CharacterID int64  `json:"characterId,omitempty"`
	}
	MessagePayload struct {
		Message string `json:"message"`
	}
	ErrorPayload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	UsernameSetPayload struct {
		Username string `json:"username"`
	}
	PlayerUpdatedPayload struct {
		PlayerID string `json:"playerId"`
		Username string `json:"username"`
	}
	PlayerMovedPayload struct {
		PlayerID  string  `json:"playerId"`
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		Timestamp int64   `json:"timestamp"`
	}
	PositionCorrectedPayload struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Reason string  `json:"reason"`
	}
	VelocityPayload struct {
		PlayerID string  `json:"playerId"`
		VX       float64 `json:"vx"`
		VY       float64 `json:"vy"`
	}
	ActionPayload struct {
		PlayerID string          `json:"playerId"`
		Action   string          `json:"action"`
		Data     json.RawMessage `json:"data,omitempty"`
	}
	RoomJoinedPayload struct {
		RoomID   string       `json:"roomId"`
		RoomName string       `json:"roomName"`
		Players  []PlayerView `json:"players"`
	}
	RoomLeftPayload struct {
		RoomID string `json:"roomId"`
	}
	PlayerLeftPayload struct {
		PlayerID string `json:"playerId"`
	}
)
