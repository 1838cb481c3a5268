package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mechapizzai/relay/internal/game/character"
)

var (
	// ErrCharacterNotFound is returned when a character lookup yields no
	// results, including when the character belongs to another account.
	ErrCharacterNotFound = errors.New("character not found")
	// ErrCharacterNameTaken is returned when the account already has a
	// character with the requested name.
	ErrCharacterNameTaken = errors.New("character name already taken")
	// ErrCharacterLimit is returned when the account already owns
	// character.MaxPerAccount characters.
	ErrCharacterLimit = fmt.Errorf("character limit of %d reached", character.MaxPerAccount)
)

// CharacterPatch carries optional updates for a character. Nil fields are
// left unchanged.
type CharacterPatch struct {
	PosX   *float64
	PosY   *float64
	RoomID *string
	Health *int
}

// CharacterRepository provides character persistence operations.
type CharacterRepository struct {
	db *pgxpool.Pool
}

// NewCharacterRepository creates a CharacterRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewCharacterRepository(db *pgxpool.Pool) *CharacterRepository {
	return &CharacterRepository{db: db}
}

const characterColumns = `id, account_id, name, level, experience, money,
	health, max_health, pos_x, pos_y, room_id, created_at, updated_at`

func scanCharacter(row pgx.Row) (*character.Character, error) {
	var c character.Character
	err := row.Scan(
		&c.ID, &c.AccountID, &c.Name, &c.Level, &c.Experience, &c.Money,
		&c.Health, &c.MaxHealth, &c.PosX, &c.PosY, &c.RoomID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts c for its account. The account row is locked while the
// per-account limit is checked so concurrent creates cannot exceed it.
//
// Precondition: c.AccountID must reference an existing account.
// Postcondition: Returns the stored character, or ErrCharacterLimit,
// ErrCharacterNameTaken or ErrAccountNotFound.
func (r *CharacterRepository) Create(ctx context.Context, c *character.Character) (*character.Character, error) {
	var out *character.Character
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, c.AccountID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("locking account: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM characters WHERE account_id = $1`, c.AccountID).Scan(&count); err != nil {
			return fmt.Errorf("counting characters: %w", err)
		}
		if count >= character.MaxPerAccount {
			return ErrCharacterLimit
		}

		created, err := scanCharacter(tx.QueryRow(ctx, `
			INSERT INTO characters
				(account_id, name, level, experience, money, health, max_health, pos_x, pos_y, room_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+characterColumns,
			c.AccountID, c.Name, c.Level, c.Experience, c.Money,
			c.Health, c.MaxHealth, c.PosX, c.PosY, c.RoomID,
		))
		if err != nil {
			if _, ok := uniqueViolation(err); ok {
				return ErrCharacterNameTaken
			}
			return fmt.Errorf("inserting character: %w", err)
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByAccount returns the account's characters, oldest first.
//
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *CharacterRepository) ListByAccount(ctx context.Context, accountID int64) ([]*character.Character, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE account_id = $1 ORDER BY created_at ASC, id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	defer rows.Close()

	chars := make([]*character.Character, 0)
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning character row: %w", err)
		}
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// GetByID retrieves a character by primary key regardless of owner.
//
// Postcondition: Returns the Character or ErrCharacterNotFound.
func (r *CharacterRepository) GetByID(ctx context.Context, id int64) (*character.Character, error) {
	c, err := scanCharacter(r.db.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("querying character: %w", err)
	}
	return c, nil
}

// GetForAccount retrieves character id only if accountID owns it.
//
// Postcondition: Returns the Character or ErrCharacterNotFound.
func (r *CharacterRepository) GetForAccount(ctx context.Context, accountID, id int64) (*character.Character, error) {
	c, err := scanCharacter(r.db.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1 AND account_id = $2`, id, accountID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("querying character: %w", err)
	}
	return c, nil
}

// UpdateForAccount applies patch to a character owned by accountID. Health
// is clamped to [0, max_health].
//
// Postcondition: Returns the updated Character or ErrCharacterNotFound.
func (r *CharacterRepository) UpdateForAccount(ctx context.Context, accountID, id int64, patch CharacterPatch) (*character.Character, error) {
	c, err := scanCharacter(r.db.QueryRow(ctx, `
		UPDATE characters SET
			pos_x      = COALESCE($3, pos_x),
			pos_y      = COALESCE($4, pos_y),
			room_id    = COALESCE($5, room_id),
			health     = GREATEST(0, LEAST(COALESCE($6, health), max_health)),
			updated_at = NOW()
		WHERE id = $1 AND account_id = $2
		RETURNING `+characterColumns,
		id, accountID, patch.PosX, patch.PosY, patch.RoomID, patch.Health,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("updating character: %w", err)
	}
	return c, nil
}

// SaveState flushes a session's end state to the character row.
//
// Postcondition: Returns nil on success, ErrCharacterNotFound if no row updated.
func (r *CharacterRepository) SaveState(ctx context.Context, id int64, st character.State) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE characters
		SET pos_x = $2, pos_y = $3, room_id = $4,
		    health = GREATEST(0, LEAST($5, max_health)), updated_at = NOW()
		WHERE id = $1`,
		id, st.PosX, st.PosY, st.RoomID, st.Health,
	)
	if err != nil {
		return fmt.Errorf("saving character state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCharacterNotFound
	}
	return nil
}
