package httpapi

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/storage/postgres"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLen = 72
)

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type authResponse struct {
	Success bool     `json:"success"`
	Token   string   `json:"token"`
	User    userView `json:"user"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req registerRequest) validate() error {
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return badRequest("Username, email, and password are required")
	}
	if !usernamePattern.MatchString(req.Username) {
		return badRequest("Username must be 3-20 characters and contain only letters, numbers, and underscores")
	}
	if !emailPattern.MatchString(req.Email) {
		return badRequest("Invalid email format")
	}
	if len(req.Password) < minPasswordLen {
		return badRequest("Password must be at least 8 characters")
	}
	if len(req.Password) > maxPasswordLen {
		return badRequest("Password must be at most 72 bytes")
	}
	return nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := req.validate(); err != nil {
		return err
	}

	acct, err := s.deps.Accounts.Create(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, postgres.ErrUsernameTaken):
		return badRequest("Username already taken")
	case errors.Is(err, postgres.ErrEmailTaken):
		return badRequest("Email already registered")
	case err != nil:
		return err
	}

	token, err := s.deps.Tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		return err
	}
	s.logger.Info("account registered", zap.Int64("account_id", acct.ID), zap.String("username", acct.Username))
	writeJSON(w, http.StatusCreated, authResponse{
		Success: true,
		Token:   token,
		User:    userView{ID: acct.ID, Username: acct.Username, Email: acct.Email},
	})
	return nil
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	req.UsernameOrEmail = strings.TrimSpace(req.UsernameOrEmail)
	if req.UsernameOrEmail == "" || req.Password == "" {
		return badRequest("Username/email and password are required")
	}

	attempt := postgres.LoginAttempt{RemoteIP: remoteIP(r), UserAgent: r.UserAgent()}
	acct, err := s.deps.Accounts.Authenticate(r.Context(), req.UsernameOrEmail, req.Password)
	attempt.AccountID = acct.ID
	switch {
	case errors.Is(err, postgres.ErrInvalidCredentials):
		attempt.Reason = "Invalid password"
		if acct.ID == 0 {
			attempt.Reason = "User not found"
		}
		s.recordLogin(r, attempt)
		return unauthorized("Invalid credentials")
	case errors.Is(err, postgres.ErrAccountInactive):
		attempt.Reason = "Account deactivated"
		s.recordLogin(r, attempt)
		return unauthorized("Account deactivated")
	case err != nil:
		return err
	}

	attempt.Success = true
	s.recordLogin(r, attempt)

	token, err := s.deps.Tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, authResponse{
		Success: true,
		Token:   token,
		User:    userView{ID: acct.ID, Username: acct.Username, Email: acct.Email},
	})
	return nil
}

// recordLogin writes the audit row; a failure never fails the login.
func (s *Server) recordLogin(r *http.Request, attempt postgres.LoginAttempt) {
	if err := s.deps.Accounts.RecordLogin(r.Context(), attempt); err != nil {
		s.logger.Warn("recording login attempt", zap.Int64("account_id", attempt.AccountID), zap.Error(err))
	}
}

func (s *Server) logout(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{Success: true, Message: "Logged out successfully"})
	return nil
}

type meView struct {
	userView
	IsActive   bool            `json:"isActive"`
	Characters []characterView `json:"characters"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) error {
	acct, chars, err := s.loadProfile(r)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountNotFound) {
			return unauthorized("Invalid or expired token")
		}
		return err
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		User    meView `json:"user"`
	}{
		Success: true,
		User: meView{
			userView:   userView{ID: acct.ID, Username: acct.Username, Email: acct.Email},
			IsActive:   acct.IsActive,
			Characters: chars,
		},
	})
	return nil
}

type profileView struct {
	userView
	CreatedAt   time.Time       `json:"createdAt"`
	LastLoginAt *time.Time      `json:"lastLoginAt"`
	Characters  []characterView `json:"characters"`
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) error {
	acct, chars, err := s.loadProfile(r)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountNotFound) {
			return notFound("User not found")
		}
		return err
	}
	writeProfile(w, acct, chars)
	return nil
}

type updateProfileRequest struct {
	Email string `json:"email"`
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) error {
	claims, _ := claimsFrom(r.Context())
	var req updateProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		return s.profile(w, r)
	}
	if !emailPattern.MatchString(req.Email) {
		return badRequest("Invalid email format")
	}

	_, err := s.deps.Accounts.UpdateEmail(r.Context(), claims.UserID, req.Email)
	switch {
	case errors.Is(err, postgres.ErrEmailTaken):
		return badRequest("Email already taken")
	case errors.Is(err, postgres.ErrAccountNotFound):
		return notFound("User not found")
	case err != nil:
		return err
	}
	return s.profile(w, r)
}

func (s *Server) loadProfile(r *http.Request) (postgres.Account, []characterView, error) {
	claims, _ := claimsFrom(r.Context())
	acct, err := s.deps.Accounts.GetByID(r.Context(), claims.UserID)
	if err != nil {
		return postgres.Account{}, nil, err
	}
	chars, err := s.deps.Characters.ListByAccount(r.Context(), acct.ID)
	if err != nil {
		return postgres.Account{}, nil, err
	}
	return acct, viewsOf(chars), nil
}

func writeProfile(w http.ResponseWriter, acct postgres.Account, chars []characterView) {
	writeJSON(w, http.StatusOK, struct {
		Success bool        `json:"success"`
		User    profileView `json:"user"`
	}{
		Success: true,
		User: profileView{
			userView:    userView{ID: acct.ID, Username: acct.Username, Email: acct.Email},
			CreatedAt:   acct.CreatedAt,
			LastLoginAt: acct.LastLoginAt,
			Characters:  chars,
		},
	})
}
