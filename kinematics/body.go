package kinematics

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"spotmicro/transform"
)

// BodyState is the body position, body orientation and the four global
// foot targets. Every foot target must be simultaneously solvable by
// all four legs; updates that violate this are rejected whole.
type BodyState struct {
	Position    r3.Vector
	Orientation EulerAngles
	Feet        [NumLegs]r3.Vector
}

// BodyGeometry is the fixed shoulder mounting rectangle.
type BodyGeometry struct {
	Length float64 // mm, front-to-rear shoulder spacing
	Width  float64 // mm, left-to-right shoulder spacing
}

// MountPoint returns the shoulder position of a leg in the body frame.
func (g BodyGeometry) MountPoint(id LegID) r3.Vector {
	m := r3.Vector{X: g.Length / 2, Z: g.Width / 2}
	if !id.Front() {
		m.X = -m.X
	}
	if id.Chirality() == Left {
		m.Z = -m.Z
	}
	return m
}

// Body coordinates the four leg solvers against a shared body pose. It
// keeps planted feet fixed in the world frame while the body moves, and
// guarantees that a rejected update leaves no leg mutated.
type Body struct {
	geometry BodyGeometry
	legs     [NumLegs]*LegState
	state    BodyState
}

// NewBody creates the coordinator and solves the initial state. The
// initial state must be reachable for all four legs.
func NewBody(geometry BodyGeometry, legs [NumLegs]*LegState, initial BodyState) (*Body, error) {
	if geometry.Length <= 0 || geometry.Width <= 0 {
		return nil, errors.Errorf("body geometry must be positive, got length=%.1f width=%.1f",
			geometry.Length, geometry.Width)
	}
	b := &Body{geometry: geometry, legs: legs}
	if err := b.SetBodyState(initial); err != nil {
		return nil, errors.Wrap(err, "initial body state unsolvable")
	}
	return b, nil
}

// Geometry returns the shoulder mounting rectangle.
func (b *Body) Geometry() BodyGeometry { return b.geometry }

// State returns the last committed body state.
func (b *Body) State() BodyState { return b.state }

// bodyTransform maps body-frame points into the world frame for a
// given pose.
func bodyTransform(pos r3.Vector, o EulerAngles) transform.Transform {
	return transform.RotationTranslation(o.Roll, o.Pitch, o.Yaw, pos)
}

// legTransform maps leg-local points into the world frame: the body
// pose composed with the shoulder mount translation.
func (b *Body) legTransform(state BodyState, id LegID) transform.Transform {
	return transform.Compose(
		bodyTransform(state.Position, state.Orientation),
		transform.Translation(b.geometry.MountPoint(id)),
	)
}

// SetBodyState re-solves all four legs for the desired pose and foot
// targets. Either every leg commits or none does: three repositioned
// legs and one stale one would put a standing robot into a physically
// dangerous stance.
func (b *Body) SetBodyState(desired BodyState) error {
	var solved [NumLegs]JointAngles
	for i := range b.legs {
		id := LegID(i)
		local := b.legTransform(desired, id).Invert().Apply(desired.Feet[i])
		a, err := b.legs[i].Solve(local)
		if err != nil {
			return err
		}
		solved[i] = a
	}
	for i := range b.legs {
		b.legs[i].angles = solved[i]
	}
	b.state = desired
	return nil
}

// SetFeetPositions overwrites the global foot targets while keeping the
// current body pose, with the same all-or-nothing contract. It is used
// to seed the stance and to inject gait swing targets.
func (b *Body) SetFeetPositions(feet [NumLegs]r3.Vector) error {
	desired := b.state
	desired.Feet = feet
	return b.SetBodyState(desired)
}

// JointAngles returns the twelve current joint angles. It is a pure
// read and never triggers a solve.
func (b *Body) JointAngles() [NumLegs]JointAngles {
	var out [NumLegs]JointAngles
	for i := range b.legs {
		out[i] = b.legs[i].Angles()
	}
	return out
}

// FootPositions returns the current global foot positions derived by
// forward kinematics from the committed joint angles.
func (b *Body) FootPositions() [NumLegs]r3.Vector {
	var out [NumLegs]r3.Vector
	for i := range b.legs {
		id := LegID(i)
		out[i] = b.legTransform(b.state, id).Apply(b.legs[i].FootPosition())
	}
	return out
}

// Leg exposes one leg's state for inspection.
func (b *Body) Leg(id LegID) *LegState { return b.legs[id] }
