package auth

import (
	"context"
	"fmt"
)

// AccountStatus reports whether an account may still sign in.
type AccountStatus interface {
	IsActive(ctx context.Context, accountID int64) (bool, error)
}

// Verifier checks a token and then the account behind it.
type Verifier struct {
	tokens   *Tokens
	accounts AccountStatus
}

// NewVerifier creates a Verifier. A nil accounts skips the account check.
func NewVerifier(tokens *Tokens, accounts AccountStatus) *Verifier {
	return &Verifier{tokens: tokens, accounts: accounts}
}

// Verify returns the claims for token when it is valid and its account active.
//
// Postcondition: Returns claims, or an error wrapping ErrInvalidToken or
// ErrInactiveAccount.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := v.tokens.Parse(token)
	if err != nil {
		return Claims{}, err
	}
	if v.accounts == nil {
		return claims, nil
	}
	active, err := v.accounts.IsActive(ctx, claims.UserID)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: account lookup: %v", ErrInvalidToken, err)
	}
	if !active {
		return Claims{}, ErrInactiveAccount
	}
	return claims, nil
}
