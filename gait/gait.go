// Package gait generates periodic per-leg foot trajectories from a
// small set of keyframe waypoints.
//
// Trajectories are leg-relative displacements in millimeters, evaluated
// as a pure function of gait phase in [0,1). Phase offsets stagger the
// legs; the generator itself carries no notion of which gait pattern
// the offsets encode.
package gait

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"spotmicro/kinematics"
)

// Config describes one gait mode: the keyframe loop every leg follows,
// the per-leg phase offsets and the cycle duration.
type Config struct {
	// Keyframes is the ordered waypoint loop (lift, swing, plant,
	// push-back, ...). The curve closes from the last keyframe back to
	// the first.
	Keyframes []r3.Vector
	// PhaseOffsets stagger the legs within the cycle, each in [0,1).
	PhaseOffsets [kinematics.NumLegs]float64
	// CycleDuration is the wall time of one full cycle.
	CycleDuration time.Duration
}

// Validate rejects configurations that cannot produce a trajectory.
func (c *Config) Validate() error {
	if len(c.Keyframes) == 0 {
		return errors.New("gait needs at least one keyframe")
	}
	if c.CycleDuration <= 0 {
		return errors.Errorf("gait cycle duration must be positive, got %v", c.CycleDuration)
	}
	for i, off := range c.PhaseOffsets {
		if off < 0 || off >= 1 || math.IsNaN(off) {
			return errors.Errorf("leg %s phase offset %v outside [0,1)", kinematics.LegID(i), off)
		}
	}
	return nil
}

// Generator evaluates the interpolating curve through a gait's
// keyframes. It holds no mutable cursor; evaluation depends only on the
// phase argument.
type Generator struct {
	keyframes []r3.Vector
	offsets   [kinematics.NumLegs]float64
	cycle     time.Duration
}

// NewGenerator builds a generator from a validated config.
func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kf := make([]r3.Vector, len(cfg.Keyframes))
	copy(kf, cfg.Keyframes)
	return &Generator{
		keyframes: kf,
		offsets:   cfg.PhaseOffsets,
		cycle:     cfg.CycleDuration,
	}, nil
}

// CycleDuration returns the wall time of one full gait cycle.
func (g *Generator) CycleDuration() time.Duration { return g.cycle }

// PhaseOffset returns the configured offset for one leg.
func (g *Generator) PhaseOffset(leg kinematics.LegID) float64 { return g.offsets[leg] }

// PositionAt evaluates the leg's trajectory at the given phase. The
// curve is periodic: the value approaching phase 1 converges to the
// value at phase 0.
func (g *Generator) PositionAt(leg kinematics.LegID, phase float64) r3.Vector {
	return g.eval(wrapPhase(phase + g.offsets[leg]))
}

func wrapPhase(p float64) float64 {
	p = math.Mod(p, 1)
	if p < 0 {
		p++
	}
	return p
}

// eval interpolates the closed keyframe loop at phase p in [0,1). With
// three or more keyframes the curve is a closed Catmull-Rom spline;
// one or two keyframes degrade to a constant or a linear out-and-back.
func (g *Generator) eval(p float64) r3.Vector {
	n := len(g.keyframes)
	switch n {
	case 1:
		return g.keyframes[0]
	case 2:
		if p < 0.5 {
			return lerp(g.keyframes[0], g.keyframes[1], 2*p)
		}
		return lerp(g.keyframes[1], g.keyframes[0], 2*p-1)
	}

	u := p * float64(n)
	seg := int(u)
	if seg >= n {
		seg = n - 1
	}
	t := u - float64(seg)

	p0 := g.keyframes[(seg-1+n)%n]
	p1 := g.keyframes[seg]
	p2 := g.keyframes[(seg+1)%n]
	p3 := g.keyframes[(seg+2)%n]
	return catmullRom(p0, p1, p2, p3, t)
}

func lerp(a, b r3.Vector, t float64) r3.Vector {
	return a.Add(b.Sub(a).Mul(t))
}

// catmullRom evaluates the centripetal-free (uniform) Catmull-Rom
// segment between p1 and p2 at t in [0,1].
func catmullRom(p0, p1, p2, p3 r3.Vector, t float64) r3.Vector {
	t2 := t * t
	t3 := t2 * t
	c0 := -0.5*t3 + t2 - 0.5*t
	c1 := 1.5*t3 - 2.5*t2 + 1
	c2 := -1.5*t3 + 2*t2 + 0.5*t
	c3 := 0.5*t3 - 0.5*t2
	return p0.Mul(c0).Add(p1.Mul(c1)).Add(p2.Mul(c2)).Add(p3.Mul(c3))
}
