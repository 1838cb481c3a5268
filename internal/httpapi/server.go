// Package httpapi serves the REST surface: server status, read-only relay
// snapshots, account registration and login, and character management.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/auth"
	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/character"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/relay"
	"github.com/mechapizzai/relay/internal/storage/postgres"
)

// Stats exposes read-only relay state.
type Stats interface {
	Players() []relay.PlayerView
	Rooms() []room.Summary
	PlayerCount() int
	RoomCount() int
}

// Rooms resolves room ids.
type Rooms interface {
	Get(roomID string) (room.Summary, bool)
	Default() string
}

// Accounts is the account storage used by the auth and profile routes.
type Accounts interface {
	Create(ctx context.Context, username, email, password string) (postgres.Account, error)
	Authenticate(ctx context.Context, login, password string) (postgres.Account, error)
	GetByID(ctx context.Context, id int64) (postgres.Account, error)
	UpdateEmail(ctx context.Context, id int64, email string) (postgres.Account, error)
	RecordLogin(ctx context.Context, attempt postgres.LoginAttempt) error
}

// Characters is the character storage used by the user routes.
type Characters interface {
	Create(ctx context.Context, c *character.Character) (*character.Character, error)
	ListByAccount(ctx context.Context, accountID int64) ([]*character.Character, error)
	UpdateForAccount(ctx context.Context, accountID, id int64, patch postgres.CharacterPatch) (*character.Character, error)
}

// TokenIssuer signs tokens for authenticated accounts.
type TokenIssuer interface {
	Issue(userID int64, username string) (string, error)
}

// Identity verifies Bearer tokens.
type Identity interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// HealthChecker reports backing store reachability.
type HealthChecker interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Deps are the collaborators the HTTP surface needs. Database may be nil.
type Deps struct {
	Stats      Stats
	Rooms      Rooms
	Accounts   Accounts
	Characters Characters
	Tokens     TokenIssuer
	Identity   Identity
	Database   HealthChecker
}

// Server owns the REST routes.
type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

// NewServer creates a Server.
//
// Precondition: every field of deps except Database must be non-nil.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("http"),
		started: time.Now(),
		now:     time.Now,
	}
}

// Router builds the route table. Callers may mount further handlers, such as
// the WebSocket endpoint, on the returned router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, notFound("Not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, apiError{status: http.StatusMethodNotAllowed, msg: "Method not allowed"})
	})

	// Preflights are answered by the cors middleware.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/", s.handle(s.index)).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handle(s.health)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/players", s.handle(s.players)).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.handle(s.rooms)).Methods(http.MethodGet)

	api.HandleFunc("/auth/register", s.handle(s.register)).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handle(s.login)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handle(s.logout)).Methods(http.MethodPost)
	api.Handle("/auth/me", s.requireAuth(s.handle(s.me))).Methods(http.MethodGet)

	user := api.PathPrefix("/user").Subrouter()
	user.Use(s.requireAuth)
	user.HandleFunc("/profile", s.handle(s.profile)).Methods(http.MethodGet)
	user.HandleFunc("/profile", s.handle(s.updateProfile)).Methods(http.MethodPut)
	user.HandleFunc("/characters", s.handle(s.listCharacters)).Methods(http.MethodGet)
	user.HandleFunc("/characters", s.handle(s.createCharacter)).Methods(http.MethodPost)
	user.HandleFunc("/characters/{id:[0-9]+}", s.handle(s.updateCharacter)).Methods(http.MethodPut)

	return r
}

// handle adapts an error-returning handler. Unexpected errors are logged and
// reported as 500.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		var apiErr apiError
		if !errors.As(err, &apiErr) {
			s.logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
		}
		writeError(w, err)
	}
}

type indexResponse struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	PlayersOnline int    `json:"playersOnline"`
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, indexResponse{
		Name:          s.cfg.Server.Name,
		Version:       s.cfg.Server.Version,
		Status:        "online",
		PlayersOnline: s.deps.Stats.PlayerCount(),
	})
	return nil
}

type healthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Players   int     `json:"players"`
	Rooms     int     `json:"rooms"`
	Database  string  `json:"database,omitempty"`
	Timestamp string  `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	now := s.now()
	resp := healthResponse{
		Status:    "ok",
		Uptime:    now.Sub(s.started).Seconds(),
		Players:   s.deps.Stats.PlayerCount(),
		Rooms:     s.deps.Stats.RoomCount(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	status := http.StatusOK
	if s.deps.Database != nil {
		resp.Database = "ok"
		if err := s.deps.Database.Health(r.Context(), 2*time.Second); err != nil {
			s.logger.Warn("database health check failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
	return nil
}

type playersResponse struct {
	Count   int                `json:"count"`
	Players []relay.PlayerView `json:"players"`
}

func (s *Server) players(w http.ResponseWriter, _ *http.Request) error {
	players := s.deps.Stats.Players()
	writeJSON(w, http.StatusOK, playersResponse{Count: len(players), Players: players})
	return nil
}

type roomsResponse struct {
	Count int            `json:"count"`
	Rooms []room.Summary `json:"rooms"`
}

func (s *Server) rooms(w http.ResponseWriter, _ *http.Request) error {
	rooms := s.deps.Stats.Rooms()
	writeJSON(w, http.StatusOK, roomsResponse{Count: len(rooms), Rooms: rooms})
	return nil
}
