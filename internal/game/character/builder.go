package character

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxPerAccount is the number of characters an account may own.
const MaxPerAccount = 5

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)

// ErrInvalidName is returned when a character name fails validation.
var ErrInvalidName = errors.New("invalid character name")

// Spawn describes where and how new characters enter the world.
type Spawn struct {
	X, Y   float64
	RoomID string
	Health int
}

// NormalizeName trims name and checks it is 3-20 letters, digits or
// underscores.
//
// Postcondition: Returns the trimmed name, or ErrInvalidName.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q must be 3-20 letters, digits or underscores", ErrInvalidName, name)
	}
	return name, nil
}

// New constructs an unsaved level 1 character at the spawn point.
//
// Precondition: accountID must be > 0; spawn.RoomID must be non-empty.
// Postcondition: Returns a Character ready for persistence, or a non-nil error.
func New(accountID int64, name string, spawn Spawn) (*Character, error) {
	if accountID <= 0 {
		return nil, errors.New("account id must be positive")
	}
	if spawn.RoomID == "" {
		return nil, errors.New("spawn room must not be empty")
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	health := spawn.Health
	if health < 1 {
		health = 1
	}
	return &Character{
		AccountID: accountID,
		Name:      name,
		Level:     1,
		Health:    health,
		MaxHealth: health,
		PosX:      spawn.X,
		PosY:      spawn.Y,
		RoomID:    spawn.RoomID,
	}, nil
}
