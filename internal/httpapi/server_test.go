package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mechapizzai/relay/internal/auth"
	"github.com/mechapizzai/relay/internal/config"
	"github.com/mechapizzai/relay/internal/game/character"
	"github.com/mechapizzai/relay/internal/game/room"
	"github.com/mechapizzai/relay/internal/game/session"
	"github.com/mechapizzai/relay/internal/relay"
	"github.com/mechapizzai/relay/internal/storage/postgres"
)

type fakeStats struct{}

func (fakeStats) Players() []relay.PlayerView {
	return []relay.PlayerView{{ID: "abc", Username: "Agent abc", Position: session.Vec2{X: 1, Y: 2}, Room: "lobby"}}
}
func (fakeStats) Rooms() []room.Summary {
	return []room.Summary{{ID: "lobby", Name: "Pizza Plaza", Occupied: 1, Capacity: 100}}
}
func (fakeStats) PlayerCount() int { return 1 }
func (fakeStats) RoomCount() int   { return 1 }

type fakeRooms struct{}

func (fakeRooms) Get(id string) (room.Summary, bool) {
	if id == "lobby" || id == "kitchen" {
		return room.Summary{ID: id}, true
	}
	return room.Summary{}, false
}
func (fakeRooms) Default() string { return "lobby" }

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[int64]*postgres.Account
	password map[int64]string
	logins   []postgres.LoginAttempt
	nextID   int64
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byID: map[int64]*postgres.Account{}, password: map[int64]string{}}
}

func (f *fakeAccounts) Create(_ context.Context, username, email, password string) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Username == username {
			return postgres.Account{}, postgres.ErrUsernameTaken
		}
		if a.Email == strings.ToLower(email) {
			return postgres.Account{}, postgres.ErrEmailTaken
		}
	}
	f.nextID++
	a := &postgres.Account{ID: f.nextID, Username: username, Email: strings.ToLower(email), IsActive: true, CreatedAt: time.Now()}
	f.byID[a.ID] = a
	f.password[a.ID] = password
	return *a, nil
}

func (f *fakeAccounts) Authenticate(_ context.Context, login, password string) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range f.byID {
		if a.Username != login && a.Email != strings.ToLower(login) {
			continue
		}
		if f.password[id] != password {
			return *a, postgres.ErrInvalidCredentials
		}
		if !a.IsActive {
			return *a, postgres.ErrAccountInactive
		}
		now := time.Now()
		a.LastLoginAt = &now
		return *a, nil
	}
	return postgres.Account{}, postgres.ErrInvalidCredentials
}

func (f *fakeAccounts) GetByID(_ context.Context, id int64) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return postgres.Account{}, postgres.ErrAccountNotFound
	}
	return *a, nil
}

func (f *fakeAccounts) UpdateEmail(_ context.Context, id int64, email string) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	for other, a := range f.byID {
		if other != id && a.Email == email {
			return postgres.Account{}, postgres.ErrEmailTaken
		}
	}
	a, ok := f.byID[id]
	if !ok {
		return postgres.Account{}, postgres.ErrAccountNotFound
	}
	a.Email = email
	return *a, nil
}

func (f *fakeAccounts) RecordLogin(_ context.Context, attempt postgres.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, attempt)
	return nil
}

func (f *fakeAccounts) deactivate(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].IsActive = false
}

func (f *fakeAccounts) IsActive(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return false, postgres.ErrAccountNotFound
	}
	return a.IsActive, nil
}

type fakeCharacters struct {
	mu     sync.Mutex
	chars  []*character.Character
	nextID int64
	fail   error
}

func (f *fakeCharacters) Create(_ context.Context, c *character.Character) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	count := 0
	for _, existing := range f.chars {
		if existing.AccountID != c.AccountID {
			continue
		}
		count++
		if existing.Name == c.Name {
			return nil, postgres.ErrCharacterNameTaken
		}
	}
	if count >= character.MaxPerAccount {
		return nil, postgres.ErrCharacterLimit
	}
	f.nextID++
	stored := *c
	stored.ID = f.nextID
	stored.CreatedAt = time.Now()
	f.chars = append(f.chars, &stored)
	out := stored
	return &out, nil
}

func (f *fakeCharacters) ListByAccount(_ context.Context, accountID int64) ([]*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]*character.Character, 0)
	for _, c := range f.chars {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCharacters) UpdateForAccount(_ context.Context, accountID, id int64, patch postgres.CharacterPatch) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chars {
		if c.ID != id || c.AccountID != accountID {
			continue
		}
		if patch.PosX != nil {
			c.PosX = *patch.PosX
		}
		if patch.PosY != nil {
			c.PosY = *patch.PosY
		}
		if patch.RoomID != nil {
			c.RoomID = *patch.RoomID
		}
		if patch.Health != nil {
			c.Health = max(0, min(*patch.Health, c.MaxHealth))
		}
		cp := *c
		return &cp, nil
	}
	return nil, postgres.ErrCharacterNotFound
}

type fakeDB struct{ err error }

func (f fakeDB) Health(context.Context, time.Duration) error { return f.err }

type harness struct {
	srv        *httptest.Server
	accounts   *fakeAccounts
	characters *fakeCharacters
	tokens     *auth.Tokens
}

func newHarness(t *testing.T, db HealthChecker) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	tokens := auth.NewTokens(cfg.Auth)
	accounts := newFakeAccounts()
	chars := &fakeCharacters{}

	s := NewServer(cfg, Deps{
		Stats:      fakeStats{},
		Rooms:      fakeRooms{},
		Accounts:   accounts,
		Characters: chars,
		Tokens:     tokens,
		Identity:   auth.NewVerifier(tokens, accounts),
		Database:   db,
	}, zaptest.NewLogger(t))

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, accounts: accounts, characters: chars, tokens: tokens}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.ContentLength != 0 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (h *harness) register(t *testing.T, username string) (string, int64) {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "email": username + "@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	user := body["user"].(map[string]any)
	return body["token"].(string), int64(user["id"].(float64))
}

func TestIndex(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MechaPizzAI MMORPG Server", body["name"])
	assert.Equal(t, "0.1.0", body["version"])
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, 1.0, body["playersOnline"])
}

func TestHealth(t *testing.T) {
	h := newHarness(t, fakeDB{})
	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, 1.0, body["players"])
	assert.Equal(t, 1.0, body["rooms"])
	_, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, body["uptime"].(float64), 0.0)
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := newHarness(t, fakeDB{err: errors.New("connection refused")})
	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["database"])
}

func TestSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	_, players := h.do(t, http.MethodGet, "/api/players", "", nil)
	assert.Equal(t, 1.0, players["count"])
	list := players["players"].([]any)
	assert.Equal(t, "abc", list[0].(map[string]any)["id"])

	_, rooms := h.do(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, 1.0, rooms["count"])
	assert.Equal(t, "lobby", rooms["rooms"].([]any)[0].(map[string]any)["id"])
}

func TestRegister(t *testing.T) {
	h := newHarness(t, nil)
	token, id := h.register(t, "chef")

	claims, err := h.tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "chef", claims.Username)
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "chef")

	cases := []struct {
		name string
		body map[string]string
		want string
	}{
		{"missing fields", map[string]string{"username": "x"}, "Username, email, and password are required"},
		{"bad username", map[string]string{"username": "a!", "email": "a@b.co", "password": "password123"}, "Username must be 3-20 characters and contain only letters, numbers, and underscores"},
		{"bad email", map[string]string{"username": "abc", "email": "nope", "password": "password123"}, "Invalid email format"},
		{"short password", map[string]string{"username": "abc", "email": "a@b.co", "password": "short"}, "Password must be at least 8 characters"},
		{"long password", map[string]string{"username": "abc", "email": "a@b.co", "password": strings.Repeat("p", 73)}, "Password must be at most 72 bytes"},
		{"username taken", map[string]string{"username": "chef", "email": "new@b.co", "password": "password123"}, "Username already taken"},
		{"email taken", map[string]string{"username": "chef2", "email": "CHEF@example.com", "password": "password123"}, "Email already registered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/api/auth/register", "", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.want, body["error"])
		})
	}
}

func TestRegister_InvalidJSON(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.srv.URL+"/api/auth/register", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)
	_, id := h.register(t, "chef")

	resp, body := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"usernameOrEmail": "chef@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["token"])

	resp, body = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"usernameOrEmail": "chef", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid credentials", body["error"])

	resp, _ = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"usernameOrEmail": "ghost", "password": "password123",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"usernameOrEmail": "chef"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username/email and password are required", body["error"])

	h.accounts.mu.Lock()
	logins := append([]postgres.LoginAttempt(nil), h.accounts.logins...)
	h.accounts.mu.Unlock()
	require.Len(t, logins, 3)
	assert.True(t, logins[0].Success)
	assert.Equal(t, id, logins[0].AccountID)
	assert.Equal(t, "Invalid password", logins[1].Reason)
	assert.Equal(t, "User not found", logins[2].Reason)
	assert.Equal(t, int64(0), logins[2].AccountID)
}

func TestLogin_Deactivated(t *testing.T) {
	h := newHarness(t, nil)
	token, id := h.register(t, "chef")
	h.accounts.deactivate(id)

	resp, body := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"usernameOrEmail": "chef", "password": "password123",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Account deactivated", body["error"])

	resp, _ = h.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Logged out successfully", body["message"])
}

func TestMe(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.register(t, "chef")

	resp, body := h.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "No token provided", body["error"])

	resp, body = h.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid or expired token", body["error"])

	resp, body = h.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "chef", user["username"])
	assert.Equal(t, true, user["isActive"])
	assert.Empty(t, user["characters"])
}

func TestProfile(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.register(t, "chef")
	h.register(t, "rival")

	resp, body := h.do(t, http.MethodGet, "/api/user/profile", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "chef@example.com", user["email"])
	assert.Contains(t, user, "createdAt")
	assert.Contains(t, user, "lastLoginAt")

	resp, body = h.do(t, http.MethodPut, "/api/user/profile", token, map[string]string{"email": "Head.Chef@Example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "head.chef@example.com", body["user"].(map[string]any)["email"])

	resp, body = h.do(t, http.MethodPut, "/api/user/profile", token, map[string]string{"email": "rival@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Email already taken", body["error"])

	resp, body = h.do(t, http.MethodPut, "/api/user/profile", token, map[string]string{"email": "bad"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid email format", body["error"])

	resp, _ = h.do(t, http.MethodGet, "/api/user/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCharacters_CreateAndList(t *testing.T) {
	h := newHarness(t, nil)
	token, id := h.register(t, "chef")

	resp, body := h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": "Pepperoni"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	c := body["character"].(map[string]any)
	assert.Equal(t, "Pepperoni", c["name"])
	assert.Equal(t, 1.0, c["level"])
	assert.Equal(t, 0.0, c["xp"])
	assert.Equal(t, 100.0, c["health"])
	assert.Equal(t, "lobby", c["roomId"])

	resp, body = h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": "Pepperoni"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Character name already taken for this user", body["error"])

	resp, body = h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": "no"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Character name must be 3-20 characters and contain only letters, numbers, and underscores", body["error"])

	resp, body = h.do(t, http.MethodGet, "/api/user/characters", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["characters"], 1)

	chars, err := h.characters.ListByAccount(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, id, chars[0].AccountID)
}

func TestCharacters_Limit(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.register(t, "chef")
	for _, name := range []string{"One", "Two", "Three", "Four", "Five"} {
		resp, _ := h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": name})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": "Six"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Maximum number of characters reached (5)", body["error"])
}

func TestCharacters_StorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.register(t, "chef")
	h.characters.fail = errors.New("db down")

	resp, body := h.do(t, http.MethodGet, "/api/user/characters", token, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal server error", body["error"])
}

func TestCharacters_Update(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.register(t, "chef")
	rivalToken, _ := h.register(t, "rival")

	_, body := h.do(t, http.MethodPost, "/api/user/characters", token, map[string]string{"name": "Pepperoni"})
	id := int64(body["character"].(map[string]any)["id"].(float64))
	path := "/api/user/characters/" + jsonNumber(id)

	resp, body := h.do(t, http.MethodPut, path, token, map[string]any{"posX": 120.5, "roomId": "kitchen", "health": 500})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	c := body["character"].(map[string]any)
	assert.Equal(t, 120.5, c["posX"])
	assert.Equal(t, 0.0, c["posY"])
	assert.Equal(t, "kitchen", c["roomId"])
	assert.Equal(t, 100.0, c["health"])

	resp, body = h.do(t, http.MethodPut, path, token, map[string]any{"roomId": "moon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unknown room", body["error"])

	resp, _ = h.do(t, http.MethodPut, path, token, map[string]any{"posX": 99999})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPut, path, rivalToken, map[string]any{"posX": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Character not found", body["error"])

	resp, _ = h.do(t, http.MethodPut, "/api/user/characters/abc", token, map[string]any{"posX": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/user/profile", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	req, err = http.NewRequest(http.MethodGet, h.srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", remoteIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", remoteIP(r))
}

func jsonNumber(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}
