// Package movement validates proposed position and velocity updates against
// physical plausibility.
package movement

import (
	"math"

	"github.com/mechapizzai/relay/internal/game/session"
)

// Reason identifies why a move was rejected.
type Reason string

const (
	ReasonSpeed                 Reason = "speed"
	ReasonTeleport              Reason = "teleport"
	ReasonOutOfBounds           Reason = "out_of_bounds"
	ReasonNonMonotonicTimestamp Reason = "non_monotonic_timestamp"
)

// Config holds the validator thresholds.
type Config struct {
	// MaxSpeed is the highest legal speed in pixels per second.
	MaxSpeed float64
	// MaxPositionDelta is the largest legal single-update displacement in pixels.
	MaxPositionDelta float64
	MapWidth         float64
	MapHeight        float64
	// Strict rejects timestamps that go backwards and zero-interval moves.
	Strict bool
}

// Input is one proposed move.
type Input struct {
	Prev Vec
	// LastUpdate is the timestamp in ms of the last accepted move, or 0.
	LastUpdate int64
	Proposed   Vec
	// Timestamp is the move time in ms.
	Timestamp int64
}

// Vec aliases the session vector so callers need not convert.
type Vec = session.Vec2

// Result is the validator verdict. Reason is empty when Accepted is true.
type Result struct {
	Accepted bool
	Reason   Reason
}

func accept() Result { return Result{Accepted: true} }

func reject(r Reason) Result { return Result{Reason: r} }

// Validator checks moves. It holds no per-session state and is safe for
// concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Config returns the thresholds in use.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate decides whether in.Proposed may replace in.Prev.
//
// Displacement and bounds are checked before speed, so a move failing several
// checks reports the first of teleport, out_of_bounds, speed.
//
// Postcondition: Accepted implies Proposed is finite, within bounds, at most
// MaxPositionDelta from Prev, and (when the interval is positive) no faster
// than MaxSpeed.
func (v *Validator) Validate(in Input) Result {
	if !finite(in.Proposed.X) || !finite(in.Proposed.Y) {
		return reject(ReasonOutOfBounds)
	}

	dist := in.Prev.Distance(in.Proposed)
	if dist > v.cfg.MaxPositionDelta {
		return reject(ReasonTeleport)
	}
	if !v.InBounds(in.Proposed) {
		return reject(ReasonOutOfBounds)
	}

	// First accepted move has no baseline.
	if in.LastUpdate == 0 {
		return accept()
	}

	dtMillis := in.Timestamp - in.LastUpdate
	if dtMillis <= 0 {
		if !v.cfg.Strict {
			return accept()
		}
		if dtMillis < 0 {
			return reject(ReasonNonMonotonicTimestamp)
		}
		if dist > 0 {
			return reject(ReasonSpeed)
		}
		return accept()
	}

	dt := float64(dtMillis) / 1000
	if dist/dt > v.cfg.MaxSpeed {
		return reject(ReasonSpeed)
	}
	return accept()
}

// ValidateVelocity reports whether a declared velocity is legal.
func (v *Validator) ValidateVelocity(vel Vec) bool {
	if !finite(vel.X) || !finite(vel.Y) {
		return false
	}
	return vel.Length() <= v.cfg.MaxSpeed
}

// InBounds reports whether p lies inside the centred map rectangle.
func (v *Validator) InBounds(p Vec) bool {
	hw, hh := v.cfg.MapWidth/2, v.cfg.MapHeight/2
	return p.X >= -hw && p.X <= hw && p.Y >= -hh && p.Y <= hh
}

// Clamp returns p moved to the nearest point inside the map.
func (v *Validator) Clamp(p Vec) Vec {
	hw, hh := v.cfg.MapWidth/2, v.cfg.MapHeight/2
	if !finite(p.X) {
		p.X = 0
	}
	if !finite(p.Y) {
		p.Y = 0
	}
	return Vec{
		X: math.Max(-hw, math.Min(hw, p.X)),
		Y: math.Max(-hh, math.Min(hh, p.Y)),
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
