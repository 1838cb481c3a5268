package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Account is a registered user.
type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

var (
	// ErrAccountNotFound is returned when an account lookup yields no results.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when a username or email is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrUsernameTaken wraps ErrAccountExists for a duplicate username.
	ErrUsernameTaken = fmt.Errorf("%w: username taken", ErrAccountExists)
	// ErrEmailTaken wraps ErrAccountExists for a duplicate email.
	ErrEmailTaken = fmt.Errorf("%w: email taken", ErrAccountExists)
	// ErrInvalidCredentials is returned when authentication fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned when a deactivated account authenticates.
	ErrAccountInactive = errors.New("account deactivated")
)

// LoginAttempt is one row of the login audit trail.
type LoginAttempt struct {
	// AccountID is zero when the login name matched no account.
	AccountID int64
	RemoteIP  string
	UserAgent string
	Success   bool
	Reason    string
}

// AccountRepository provides account persistence operations.
type AccountRepository struct {
	db         *pgxpool.Pool
	bcryptCost int
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
// A bcryptCost outside bcrypt's accepted range falls back to bcrypt.DefaultCost.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool, bcryptCost int) *AccountRepository {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AccountRepository{db: db, bcryptCost: bcryptCost}
}

const accountColumns = `id, username, email, password_hash, is_active, created_at, last_login_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.IsActive, &a.CreatedAt, &a.LastLoginAt)
	return a, err
}

// Create inserts a new active account with a bcrypt-hashed password. The
// email is stored lowercased.
//
// Precondition: username, email and password must be non-empty.
// Postcondition: Returns the created Account, or ErrUsernameTaken /
// ErrEmailTaken on conflict.
func (r *AccountRepository) Create(ctx context.Context, username, email, password string) (Account, error) {
	hash, err := HashPassword(password, r.bcryptCost)
	if err != nil {
		return Account{}, fmt.Errorf("hashing password: %w", err)
	}

	acct, err := scanAccount(r.db.QueryRow(ctx,
		`INSERT INTO accounts (username, email, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING `+accountColumns,
		username, strings.ToLower(email), hash,
	))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if strings.Contains(constraint, "email") {
				return Account{}, ErrEmailTaken
			}
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// Authenticate verifies credentials where login is either a username or an
// email address, and stamps last_login_at on success.
//
// Postcondition: Returns the Account, or ErrInvalidCredentials for an unknown
// login or wrong password, or ErrAccountInactive for a deactivated account.
// ErrAccountInactive is returned together with the account so callers can
// audit the attempt.
func (r *AccountRepository) Authenticate(ctx context.Context, login, password string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts WHERE username = $1 OR email = LOWER($1)
		 ORDER BY (username = $1) DESC
		 LIMIT 1`,
		login,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, fmt.Errorf("querying account: %w", err)
	}

	if !CheckPassword(password, acct.PasswordHash) {
		return acct, ErrInvalidCredentials
	}
	if !acct.IsActive {
		return acct, ErrAccountInactive
	}

	var last time.Time
	if err := r.db.QueryRow(ctx,
		`UPDATE accounts SET last_login_at = NOW() WHERE id = $1 RETURNING last_login_at`,
		acct.ID,
	).Scan(&last); err != nil {
		return Account{}, fmt.Errorf("updating last login: %w", err)
	}
	acct.LastLoginAt = &last
	return acct, nil
}

// GetByID retrieves an account by primary key.
//
// Postcondition: Returns the Account or ErrAccountNotFound.
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// GetByUsername retrieves an account by exact username.
//
// Postcondition: Returns the Account or ErrAccountNotFound.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// UpdateEmail changes the account's email address, stored lowercased.
//
// Postcondition: Returns the updated Account, ErrEmailTaken, or ErrAccountNotFound.
func (r *AccountRepository) UpdateEmail(ctx context.Context, id int64, email string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`UPDATE accounts SET email = $2 WHERE id = $1 RETURNING `+accountColumns,
		id, strings.ToLower(email),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		if _, ok := uniqueViolation(err); ok {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("updating email: %w", err)
	}
	return acct, nil
}

// IsActive reports whether the account may still sign in.
//
// Postcondition: Returns ErrAccountNotFound for an unknown id.
func (r *AccountRepository) IsActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT is_active FROM accounts WHERE id = $1`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("querying account status: %w", err)
	}
	return active, nil
}

// SetActive enables or disables an account.
//
// Postcondition: Returns ErrAccountNotFound if no row was updated.
func (r *AccountRepository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// RecordLogin appends a login attempt to the audit trail.
func (r *AccountRepository) RecordLogin(ctx context.Context, a LoginAttempt) error {
	var accountID *int64
	if a.AccountID > 0 {
		accountID = &a.AccountID
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO login_history (account_id, remote_ip, user_agent, success, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		accountID, a.RemoteIP, a.UserAgent, a.Success, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("recording login: %w", err)
	}
	return nil
}

// HashPassword creates a bcrypt hash of password at the given cost.
//
// Precondition: password must be non-empty and at most 72 bytes.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
