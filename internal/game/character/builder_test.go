package character_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mechapizzai/relay/internal/game/character"
)

func lobbySpawn() character.Spawn {
	return character.Spawn{X: 5, Y: -5, RoomID: "lobby", Health: 100}
}

func TestNew_Defaults(t *testing.T) {
	c, err := character.New(7, "  Pepperoni ", lobbySpawn())
	require.NoError(t, err)

	assert.Equal(t, int64(7), c.AccountID)
	assert.Equal(t, "Pepperoni", c.Name)
	assert.Equal(t, 1, c.Level)
	assert.Equal(t, 100, c.Health)
	assert.Equal(t, 100, c.MaxHealth)
	assert.Equal(t, 5.0, c.PosX)
	assert.Equal(t, -5.0, c.PosY)
	assert.Equal(t, "lobby", c.RoomID)
	assert.Zero(t, c.ID)
}

func TestNew_Rejects(t *testing.T) {
	_, err := character.New(0, "Valid", lobbySpawn())
	assert.Error(t, err)

	_, err = character.New(1, "Valid", character.Spawn{Health: 10})
	assert.Error(t, err)

	_, err = character.New(1, " xy ", lobbySpawn())
	assert.ErrorIs(t, err, character.ErrInvalidName)

	_, err = character.New(1, "pizza chef", lobbySpawn())
	assert.ErrorIs(t, err, character.ErrInvalidName)

	_, err = character.New(1, strings.Repeat("a", 21), lobbySpawn())
	assert.ErrorIs(t, err, character.ErrInvalidName)
}

func TestNew_HealthFloor(t *testing.T) {
	c, err := character.New(1, "Tiny", character.Spawn{RoomID: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Health)
}

func TestCharacter_State(t *testing.T) {
	c := &character.Character{PosX: 1, PosY: 2, RoomID: "kitchen", Health: 42, Level: 3}
	assert.Equal(t, character.State{PosX: 1, PosY: 2, RoomID: "kitchen", Health: 42}, c.State())
}

func TestNormalizeName_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringN(0, 30, -1).Draw(t, "name")
		out, err := character.NormalizeName(name)
		if err != nil {
			return
		}
		if len(out) < 3 || len(out) > 20 {
			t.Fatalf("accepted %q with %d bytes", out, len(out))
		}
		for _, r := range out {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				t.Fatalf("accepted %q containing %q", out, r)
			}
		}
	})
}
