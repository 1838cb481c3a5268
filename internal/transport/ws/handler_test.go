package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/relay"
)

func newTestServer(t *testing.T, lobbyCapacity int) (*Handler, *relay.Service, string) {
	t.Helper()
	cfg := config.Default()
	reg, err := room.NewRegistry(room.Definition{ID: "lobby", Name: "Pizza Plaza", MaxCapacity: lobbyCapacity}, nil)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	svc := relay.New(cfg, reg, nil, nil, logger)
	h := NewHandler(cfg.WebSocket, []string{"http://localhost:3000"}, svc, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return h, svc, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env relay.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips frames until one carries event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) relay.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("event %s not received", event)
	return relay.Envelope{}
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestHandler_JoinAndChat(t *testing.T) {
	_, _, url := newTestServer(t, 10)
	a := dial(t, url)

	env := readEnvelope(t, a)
	assert.Equal(t, relay.EventPlayersList, env.Event)
	assert.JSONEq(t, `[]`, string(env.Data))

	write(t, a, `{"event":"chat:message","data":{"message":"hi"}}`)
	env = readUntil(t, a, relay.EventChatMessage)
	var msg struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "hi", msg.Message)
}

func TestHandler_MoveFanOutAndDisconnect(t *testing.T) {
	_, svc, url := newTestServer(t, 10)
	a := dial(t, url)
	readUntil(t, a, relay.EventPlayersList)
	b := dial(t, url)
	readUntil(t, b, relay.EventPlayersList)
	joined := readUntil(t, a, relay.EventPlayerJoined)
	var peer relay.PlayerView
	require.NoError(t, json.Unmarshal(joined.Data, &peer))

	write(t, b, `{"event":"player:move","data":{"x":10,"y":5}}`)
	env := readUntil(t, a, relay.EventPlayerMoved)
	var moved relay.PlayerMovedPayload
	require.NoError(t, json.Unmarshal(env.Data, &moved))
	assert.Equal(t, peer.ID, moved.PlayerID)
	assert.Equal(t, 10.0, moved.X)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	env = readUntil(t, a, relay.EventPlayerLeft)
	var left relay.PlayerLeftPayload
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.Equal(t, peer.ID, left.PlayerID)

	assert.Eventually(t, func() bool { return svc.PlayerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_PingPong(t *testing.T) {
	_, _, url := newTestServer(t, 10)
	a := dial(t, url)
	readUntil(t, a, relay.EventPlayersList)

	write(t, a, `{"event":"ping","data":42}`)
	env := readUntil(t, a, relay.EventPong)
	assert.JSONEq(t, `42`, string(env.Data))
}

func TestHandler_MalformedFrame(t *testing.T) {
	_, _, url := newTestServer(t, 10)
	a := dial(t, url)
	readUntil(t, a, relay.EventPlayersList)

	write(t, a, `{{{`)
	env := readUntil(t, a, relay.EventError)
	var e relay.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, relay.CodeValidation, e.Code)
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	_, _, url := newTestServer(t, 10)
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:3000")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHandler_DefaultRoomFull(t *testing.T) {
	_, _, url := newTestServer(t, 1)
	a := dial(t, url)
	readUntil(t, a, relay.EventPlayersList)

	b := dial(t, url)
	env := readEnvelope(t, b)
	require.Equal(t, relay.EventError, env.Event)
	var e relay.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, relay.CodeRoomFull, e.Code)

	_, _, err := b.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestHandler_StopClosesConnections(t *testing.T) {
	h, svc, url := newTestServer(t, 10)
	a := dial(t, url)
	readUntil(t, a, relay.EventPlayersList)
	require.Eventually(t, func() bool { return h.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Stop()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, h.Active())
	assert.Equal(t, 0, svc.PlayerCount())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}
