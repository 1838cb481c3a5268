// Package ws accepts WebSocket connections and pumps frames between each
// socket and the relay service.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/game/session"
	"github.com/mechapizzai/relay/internal/relay"
)

// Relay is the lifecycle surface the transport drives.
type Relay interface {
	Open(id string) (*session.Session, error)
	HandleFrame(ctx context.Context, id string, frame []byte) error
	Close(id string)
}

// Handler upgrades HTTP requests to WebSocket sessions.
type Handler struct {
	cfg      config.WebSocketConfig
	relay    Relay
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string

	wg      sync.WaitGroup
	quit    chan struct{}
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	stopped bool
}

// NewHandler creates a Handler. An empty origin list or an entry of "*" admits
// any browser origin.
//
// Precondition: relay and logger must be non-nil.
func NewHandler(cfg config.WebSocketConfig, allowedOrigins []string, r Relay, logger *zap.Logger) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	h := &Handler{
		cfg:    cfg,
		relay:  r,
		logger: logger,
		newID:  uuid.NewString,
		quit:   make(chan struct{}),
		conns:  make(map[*websocket.Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			if _, ok := origins["*"]; ok {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
	return h
}

// ServeHTTP runs one connection until either side hangs up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if !h.register(conn) {
		conn.Close()
		return
	}
	defer h.unregister(conn)

	start := time.Now()
	id := h.newID()
	logger := h.logger.With(zap.String("session_id", id), zap.String("remote_addr", req.RemoteAddr))

	sess, err := h.relay.Open(id)
	if err != nil {
		h.reject(conn, err)
		logger.Info("connection rejected", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, sess.Outbox)
	}()

	err = h.readPump(ctx, conn, id)
	h.relay.Close(id)
	<-writerDone

	if err != nil {
		logger.Debug("connection ended", zap.Error(err), zap.Duration("duration", time.Since(start)))
	} else {
		logger.Info("connection ended cleanly", zap.Duration("duration", time.Since(start)))
	}
}

// readPump feeds client frames to the relay in arrival order.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, id string) error {
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := h.relay.HandleFrame(ctx, id, data); err != nil {
			return err
		}
	}
}

// writePump drains the outbox until it is closed or a write fails.
func (h *Handler) writePump(conn *websocket.Conn, out *session.Outbox) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-out.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject tells the client why it cannot join and closes the socket.
func (h *Handler) reject(conn *websocket.Conn, cause error) {
	defer conn.Close()
	code, closeCode, reason := relay.CodeValidation, websocket.CloseInternalServerErr, "unavailable"
	if errors.Is(cause, room.ErrRoomFull) {
		code, closeCode, reason = relay.CodeRoomFull, websocket.CloseTryAgainLater, "room full"
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	if frame, err := relay.Encode(relay.EventError, relay.ErrorPayload{Message: cause.Error(), Code: code}); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Handler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Active returns the number of open sockets.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stop closes every socket and waits for their sessions to be torn down.
//
// Postcondition: All connection goroutines have exited.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.quit)
	for conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("websocket handler stopped")
}
