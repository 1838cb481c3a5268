package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mechapizzai/relay/internal/game/character"
	"github.com/mechapizzai/relay/internal/storage/postgres"
)

type characterView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	XP        int       `json:"xp"`
	Health    int       `json:"health"`
	MaxHealth int       `json:"maxHealth"`
	Money     int       `json:"money"`
	PosX      float64   `json:"posX"`
	PosY      float64   `json:"posY"`
	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewOf(c *character.Character) characterView {
	return characterView{
		ID:        c.ID,
		Name:      c.Name,
		Level:     c.Level,
		XP:        c.Experience,
		Health:    c.Health,
		MaxHealth: c.MaxHealth,
		Money:     c.Money,
		PosX:      c.PosX,
		PosY:      c.PosY,
		RoomID:    c.RoomID,
		CreatedAt: c.CreatedAt,
	}
}

func viewsOf(chars []*character.Character) []characterView {
	out := make([]characterView, 0, len(chars))
	for _, c := range chars {
		out = append(out, viewOf(c))
	}
	return out
}

type characterResponse struct {
	Success   bool          `json:"success"`
	Character characterView `json:"character"`
}

func (s *Server) listCharacters(w http.ResponseWriter, r *http.Request) error {
	claims, _ := claimsFrom(r.Context())
	chars, err := s.deps.Characters.ListByAccount(r.Context(), claims.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct {
		Success    bool            `json:"success"`
		Characters []characterView `json:"characters"`
	}{Success: true, Characters: viewsOf(chars)})
	return nil
}

type createCharacterRequest struct {
	Name string `json:"name"`
}

func (s *Server) createCharacter(w http.ResponseWriter, r *http.Request) error {
	claims, _ := claimsFrom(r.Context())
	var req createCharacterRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}

	move := s.cfg.Game.Movement
	c, err := character.New(claims.UserID, req.Name, character.Spawn{
		X:      move.SpawnX,
		Y:      move.SpawnY,
		RoomID: s.deps.Rooms.Default(),
		Health: s.cfg.Game.DefaultHealth,
	})
	if errors.Is(err, character.ErrInvalidName) {
		return badRequest("Character name must be 3-20 characters and contain only letters, numbers, and underscores")
	}
	if err != nil {
		return err
	}

	created, err := s.deps.Characters.Create(r.Context(), c)
	switch {
	case errors.Is(err, postgres.ErrCharacterLimit):
		return badRequest(fmt.Sprintf("Maximum number of characters reached (%d)", character.MaxPerAccount))
	case errors.Is(err, postgres.ErrCharacterNameTaken):
		return badRequest("Character name already taken for this user")
	case errors.Is(err, postgres.ErrAccountNotFound):
		return unauthorized("Invalid or expired token")
	case err != nil:
		return err
	}

	s.logger.Info("character created",
		zap.Int64("account_id", claims.UserID),
		zap.Int64("character_id", created.ID),
		zap.String("name", created.Name),
	)
	writeJSON(w, http.StatusCreated, characterResponse{Success: true, Character: viewOf(created)})
	return nil
}

type updateCharacterRequest struct {
	PosX   *float64 `json:"posX"`
	PosY   *float64 `json:"posY"`
	RoomID *string  `json:"roomId"`
	Health *int     `json:"health"`
}

func (s *Server) updateCharacter(w http.ResponseWriter, r *http.Request) error {
	claims, _ := claimsFrom(r.Context())
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return notFound("Character not found")
	}

	var req updateCharacterRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	if err := s.validatePatch(req); err != nil {
		return err
	}

	updated, err := s.deps.Characters.UpdateForAccount(r.Context(), claims.UserID, id, postgres.CharacterPatch{
		PosX:   req.PosX,
		PosY:   req.PosY,
		RoomID: req.RoomID,
		Health: req.Health,
	})
	if errors.Is(err, postgres.ErrCharacterNotFound) {
		return notFound("Character not found")
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, characterResponse{Success: true, Character: viewOf(updated)})
	return nil
}

func (s *Server) validatePatch(req updateCharacterRequest) error {
	hw := s.cfg.Game.Movement.MapWidth / 2
	hh := s.cfg.Game.Movement.MapHeight / 2
	if req.PosX != nil && (math.IsNaN(*req.PosX) || *req.PosX < -hw || *req.PosX > hw) {
		return badRequest("posX is outside the map")
	}
	if req.PosY != nil && (math.IsNaN(*req.PosY) || *req.PosY < -hh || *req.PosY > hh) {
		return badRequest("posY is outside the map")
	}
	if req.RoomID != nil {
		if _, ok := s.deps.Rooms.Get(*req.RoomID); !ok {
			return badRequest("Unknown room")
		}
	}
	return nil
}
