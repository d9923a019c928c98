package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"spotmicro/transform"
)

// LinkLengths describes one leg's fixed geometry: femur and tibia
// lengths plus the shoulder-to-hip offset vector. The offset is given
// for a left leg at shoulder angle zero; it rotates with the shoulder.
type LinkLengths struct {
	Femur          float64   // mm
	Tibia          float64   // mm
	ShoulderOffset r3.Vector // mm, hip relative to the shoulder axis
}

// LateralReach returns the maximum |Z| the shoulder joint can sweep the
// hip through, the R term of the lateral constraint.
func (l LinkLengths) LateralReach() float64 {
	return math.Hypot(l.ShoulderOffset.Y, l.ShoulderOffset.Z)
}

// LegState owns the current joint angles of one leg together with its
// immutable geometry. It is mutated only through SolveTo and SetAngles.
type LegState struct {
	id        LegID
	chirality Chirality
	links     LinkLengths
	limits    JointRanges
	hipTrim   float64

	angles JointAngles
}

// NewLegState builds the state for one leg. hipTrim is an explicit
// calibration offset added to the solved hip angle; it defaults to zero
// and must never hide in the geometry.
func NewLegState(id LegID, links LinkLengths, limits JointRanges, hipTrim float64) (*LegState, error) {
	if links.Femur <= 0 || links.Tibia <= 0 {
		return nil, errors.Errorf("leg %s: link lengths must be positive, got femur=%.1f tibia=%.1f",
			id, links.Femur, links.Tibia)
	}
	if links.LateralReach() == 0 {
		return nil, errors.Errorf("leg %s: shoulder offset must have a lateral component", id)
	}
	return &LegState{
		id:        id,
		chirality: id.Chirality(),
		links:     links,
		limits:    limits,
		hipTrim:   hipTrim,
	}, nil
}

// ID returns the leg identifier.
func (l *LegState) ID() LegID { return l.id }

// Links returns the leg's immutable geometry.
func (l *LegState) Links() LinkLengths { return l.links }

// Angles returns the current joint angles.
func (l *LegState) Angles() JointAngles { return l.angles }

// SetAngles overwrites the current joint angles after a limit check.
func (l *LegState) SetAngles(a JointAngles) error {
	if err := l.checkLimits(a); err != nil {
		return err
	}
	l.angles = a
	return nil
}

// SolveTo solves for target and commits the result. The state is left
// untouched on failure.
func (l *LegState) SolveTo(target r3.Vector) error {
	a, err := l.Solve(target)
	if err != nil {
		return err
	}
	l.angles = a
	return nil
}

// Solve computes the joint angles that place the foot at target, given
// in the leg-local frame with origin at the shoulder. It does not
// mutate the state.
//
// The shoulder and hip axes are not coincident: the hip sits at a fixed
// offset that rotates with the shoulder angle, so the solve runs in two
// stages. The lateral coordinate first pins the shoulder angle, then
// the remaining two links reduce to a planar two-bar problem.
func (l *LegState) Solve(target r3.Vector) (JointAngles, error) {
	z := target.Z
	if l.chirality == Right {
		z = -z
	}

	off := l.links.ShoulderOffset
	r := l.links.LateralReach()
	delta := math.Atan2(off.Z, off.Y)

	// Z = y_off*sin(w) + z_off*cos(w) = R*sin(w+delta)
	if math.Abs(z) > r {
		return JointAngles{}, &UnreachableError{Leg: l.id, Axis: AxisLateral, Target: target}
	}
	omega := math.Asin(z/r) - delta

	// Hip position after the shoulder rotation carries the offset around
	// the X axis.
	hipX := off.X
	hipY := off.Y*math.Cos(omega) - off.Z*math.Sin(omega)

	dx := target.X - hipX
	dy := target.Y - hipY
	d := math.Hypot(dx, dy)

	l1, l2 := l.links.Femur, l.links.Tibia
	if d < math.Abs(l1-l2) || d > l1+l2 {
		return JointAngles{}, &UnreachableError{Leg: l.id, Axis: AxisRadial, Target: target}
	}

	knee := math.Acos(clamp((l1*l1+l2*l2-d*d)/(2*l1*l2), -1, 1))

	alpha := math.Atan2(dy, dx)
	beta := math.Acos(clamp((l1*l1+d*d-l2*l2)/(2*l1*d), -1, 1))
	// Knee-down branch.
	hip := alpha - beta + l.hipTrim

	if l.chirality == Right {
		omega = -omega
	}

	a := JointAngles{Shoulder: omega, Hip: hip, Knee: knee}
	if err := l.checkLimits(a); err != nil {
		return JointAngles{}, err
	}
	return a, nil
}

// FootPosition returns the forward kinematics of the current angles in
// the leg-local frame.
func (l *LegState) FootPosition() r3.Vector {
	return l.Forward(l.angles)
}

// Forward computes the foot position for the given joint angles by
// composing the joint transforms: shoulder roll, shoulder-to-hip
// offset, hip pitch and knee, applied to the tibia link. The hip pitch
// plane stays parallel to the body X-Y plane, so the shoulder roll is
// cancelled before the pitch joints.
func (l *LegState) Forward(a JointAngles) r3.Vector {
	omega := a.Shoulder
	if l.chirality == Right {
		omega = -omega
	}
	theta := a.Hip - l.hipTrim

	chain := transform.Compose(
		transform.RotationTranslation(omega, 0, 0, r3.Vector{}),
		transform.Translation(l.links.ShoulderOffset),
		transform.RotationTranslation(-omega, 0, 0, r3.Vector{}),
		transform.RotationTranslation(0, 0, theta, r3.Vector{}),
		transform.RotationTranslation(0, 0, math.Pi-a.Knee, r3.Vector{X: l.links.Femur}),
	)
	foot := chain.Apply(r3.Vector{X: l.links.Tibia})

	if l.chirality == Right {
		foot.Z = -foot.Z
	}
	return foot
}

func (l *LegState) checkLimits(a JointAngles) error {
	if !l.limits.Shoulder.contains(a.Shoulder) {
		return &LimitError{Leg: l.id, Joint: "shoulder", Angle: a.Shoulder,
			Min: l.limits.Shoulder.Min, Max: l.limits.Shoulder.Max}
	}
	if !l.limits.Hip.contains(a.Hip) {
		return &LimitError{Leg: l.id, Joint: "hip", Angle: a.Hip,
			Min: l.limits.Hip.Min, Max: l.limits.Hip.Max}
	}
	if !l.limits.Knee.contains(a.Knee) {
		return &LimitError{Leg: l.id, Joint: "knee", Angle: a.Knee,
			Min: l.limits.Knee.Min, Max: l.limits.Knee.Max}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
