package movement

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func testConfig() Config {
	return Config{MaxSpeed: 250, MaxPositionDelta: 200, MapWidth: 4000, MapHeight: 4000, Strict: true}
}

func TestValidate_FirstMoveSkipsSpeed(t *testing.T) {
	v := NewValidator(testConfig())
	r := v.Validate(Input{Prev: Vec{}, LastUpdate: 0, Proposed: Vec{X: 150}, Timestamp: 1})
	assert.True(t, r.Accepted)
	assert.Empty(t, r.Reason)
}

func TestValidate_LegalMove(t *testing.T) {
	v := NewValidator(testConfig())
	r := v.Validate(Input{
		Prev: Vec{X: 1000, Y: 1000}, LastUpdate: 1000,
		Proposed: Vec{X: 1005, Y: 1000}, Timestamp: 1050,
	})
	assert.True(t, r.Accepted)
}

func TestValidate_Speed(t *testing.T) {
	v := NewValidator(testConfig())
	// 100px in 100ms = 1000px/s
	r := v.Validate(Input{Prev: Vec{}, LastUpdate: 1000, Proposed: Vec{X: 100}, Timestamp: 1100})
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonSpeed, r.Reason)
}

func TestValidate_TeleportEvenWithLargeDt(t *testing.T) {
	v := NewValidator(testConfig())
	// 500px in 10s is 50px/s but exceeds the per-update delta
	r := v.Validate(Input{Prev: Vec{}, LastUpdate: 1000, Proposed: Vec{X: 500}, Timestamp: 11000})
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonTeleport, r.Reason)
}

func TestValidate_OutOfBounds(t *testing.T) {
	v := NewValidator(testConfig())
	r := v.Validate(Input{Prev: Vec{X: 1990}, LastUpdate: 1000, Proposed: Vec{X: 2010}, Timestamp: 2000})
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonOutOfBounds, r.Reason)
}

func TestValidate_FarJumpRejected(t *testing.T) {
	v := NewValidator(testConfig())
	r := v.Validate(Input{
		Prev: Vec{X: 1000, Y: 1000}, LastUpdate: 1000,
		Proposed: Vec{X: 3000, Y: 1000}, Timestamp: 1050,
	})
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonTeleport, r.Reason)
}

func TestValidate_NonFinite(t *testing.T) {
	v := NewValidator(testConfig())
	for _, p := range []Vec{{X: math.NaN()}, {Y: math.Inf(1)}, {X: math.Inf(-1)}} {
		r := v.Validate(Input{Proposed: p})
		assert.False(t, r.Accepted)
		assert.Equal(t, ReasonOutOfBounds, r.Reason)
	}
}

func TestValidate_StrictTimestamps(t *testing.T) {
	v := NewValidator(testConfig())

	r := v.Validate(Input{Prev: Vec{}, LastUpdate: 2000, Proposed: Vec{X: 1}, Timestamp: 1999})
	assert.Equal(t, ReasonNonMonotonicTimestamp, r.Reason)

	r = v.Validate(Input{Prev: Vec{}, LastUpdate: 2000, Proposed: Vec{X: 1}, Timestamp: 2000})
	assert.Equal(t, ReasonSpeed, r.Reason)

	r = v.Validate(Input{Prev: Vec{X: 1}, LastUpdate: 2000, Proposed: Vec{X: 1}, Timestamp: 2000})
	assert.True(t, r.Accepted)
}

func TestValidate_LenientTimestamps(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = false
	v := NewValidator(cfg)

	r := v.Validate(Input{Prev: Vec{}, LastUpdate: 2000, Proposed: Vec{X: 150}, Timestamp: 1000})
	assert.True(t, r.Accepted)

	// displacement and bounds still apply
	r = v.Validate(Input{Prev: Vec{}, LastUpdate: 2000, Proposed: Vec{X: 300}, Timestamp: 1000})
	assert.Equal(t, ReasonTeleport, r.Reason)
}

func TestValidateVelocity(t *testing.T) {
	v := NewValidator(testConfig())
	assert.True(t, v.ValidateVelocity(Vec{X: 150, Y: 200}))
	assert.True(t, v.ValidateVelocity(Vec{}))
	assert.False(t, v.ValidateVelocity(Vec{X: 200, Y: 200}))
	assert.False(t, v.ValidateVelocity(Vec{X: math.NaN()}))
}

func TestClamp(t *testing.T) {
	v := NewValidator(testConfig())
	assert.Equal(t, Vec{X: 2000, Y: -2000}, v.Clamp(Vec{X: 5000, Y: -9000}))
	assert.Equal(t, Vec{X: 12, Y: 34}, v.Clamp(Vec{X: 12, Y: 34}))
	assert.Equal(t, Vec{X: 0, Y: 0}, v.Clamp(Vec{X: math.NaN(), Y: math.Inf(1)}))
}

func genVec(lo, hi float64) *rapid.Generator[Vec] {
	return rapid.Custom(func(t *rapid.T) Vec {
		return Vec{
			X: rapid.Float64Range(lo, hi).Draw(t, "x"),
			Y: rapid.Float64Range(lo, hi).Draw(t, "y"),
		}
	})
}

func TestPropertyAcceptedMovesObeyLimits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		v := NewValidator(cfg)

		pos := genVec(-2000, 2000).Draw(t, "spawn")
		var last int64
		ts := int64(1)

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			ts += rapid.Int64Range(-50, 500).Draw(t, "dt")
			delta := genVec(-400, 400).Draw(t, "delta")
			proposed := Vec{X: pos.X + delta.X, Y: pos.Y + delta.Y}

			r := v.Validate(Input{Prev: pos, LastUpdate: last, Proposed: proposed, Timestamp: ts})
			if !r.Accepted {
				continue
			}
			if !v.InBounds(proposed) {
				t.Fatalf("accepted out-of-bounds position %+v", proposed)
			}
			dist := pos.Distance(proposed)
			if dist > cfg.MaxPositionDelta {
				t.Fatalf("accepted displacement %f", dist)
			}
			if last != 0 {
				dt := float64(ts-last) / 1000
				if dt < 0 || (dt == 0 && dist > 0) || (dt > 0 && dist/dt > cfg.MaxSpeed) {
					t.Fatalf("accepted speed violation dist=%f dt=%f", dist, dt)
				}
			}
			pos, last = proposed, ts
		}
	})
}

func TestPropertyOutOfBoundsAlwaysRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := NewValidator(testConfig())
		x := rapid.Float64Range(2000.001, 1e6).Draw(t, "x")
		if rapid.Bool().Draw(t, "neg") {
			x = -x
		}
		prev := Vec{X: math.Copysign(1990, x)}
		r := v.Validate(Input{Prev: prev, Proposed: Vec{X: x}, Timestamp: 1})
		if r.Accepted {
			t.Fatalf("accepted x=%f", x)
		}
	})
}

func TestPropertyExcessiveSpeedRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testConfig()
		v := NewValidator(cfg)
		dtMillis := rapid.Int64Range(1, 5000).Draw(t, "dt")
		minDist := cfg.MaxSpeed*float64(dtMillis)/1000 + 0.01
		if minDist > cfg.MaxPositionDelta {
			minDist = cfg.MaxPositionDelta
		}
		dist := rapid.Float64Range(minDist, cfg.MaxPositionDelta+500).Draw(t, "dist")
		speed := dist / (float64(dtMillis) / 1000)
		r := v.Validate(Input{Prev: Vec{}, LastUpdate: 1000, Proposed: Vec{X: dist}, Timestamp: 1000 + dtMillis})
		if speed > cfg.MaxSpeed && r.Accepted {
			t.Fatalf("accepted speed %f", speed)
		}
		if dist > cfg.MaxPositionDelta && r.Accepted {
			t.Fatalf("accepted delta %f", dist)
		}
	})
}
