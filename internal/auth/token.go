// Package auth issues and verifies the bearer tokens that link connections
// and HTTP requests to persisted accounts.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mechapizzai/relay/internal/config"
)

var (
	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInactiveAccount is returned when a valid token names a deactivated account.
	ErrInactiveAccount = errors.New("account deactivated")
)

// Claims is the identity carried by a verified token.
type Claims struct {
	UserID   int64
	Username string
}

// Tokens signs and parses HS256 tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a Tokens from auth configuration.
//
// Precondition: cfg.JWTSecret must be non-empty.
func NewTokens(cfg config.AuthConfig) *Tokens {
	return &Tokens{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
}

// Issue returns a signed token for the account.
//
// Precondition: userID must be > 0.
// Postcondition: Returns a token valid until now+TTL, or a non-nil error.
func (t *Tokens) Issue(userID int64, username string) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"sub":      strconv.FormatInt(userID, 10),
		"username": username,
		"iss":      t.issuer,
		"iat":      now.Unix(),
		"exp":      now.Add(t.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Parse validates a token's signature, issuer and expiry.
//
// Postcondition: Returns the claims, or an error wrapping ErrInvalidToken.
func (t *Tokens) Parse(token string) (Claims, error) {
	if token == "" {
		return Claims{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	sub, err := mc.GetSubject()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return Claims{}, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, sub)
	}
	username, _ := mc["username"].(string)
	return Claims{UserID: id, Username: username}, nil
}
