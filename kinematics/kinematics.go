// Package kinematics solves the per-leg inverse/forward kinematics of a
// quadruped and coordinates the four legs against a shared body pose.
//
// Coordinates are millimeters: X forward, Y down (positive), Z right
// (positive). Angles are radians.
package kinematics

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// LegID identifies one of the four legs.
type LegID int

// Leg identifiers, ordered front to rear, left before right.
const (
	FrontLeft LegID = iota
	FrontRight
	RearLeft
	RearRight
)

// NumLegs is the number of legs on the robot.
const NumLegs = 4

func (id LegID) String() string {
	switch id {
	case FrontLeft:
		return "front_left"
	case FrontRight:
		return "front_right"
	case RearLeft:
		return "rear_left"
	case RearRight:
		return "rear_right"
	}
	return fmt.Sprintf("leg(%d)", int(id))
}

// Chirality returns which side of the body the leg is mounted on.
func (id LegID) Chirality() Chirality {
	if id == FrontRight || id == RearRight {
		return Right
	}
	return Left
}

// Front reports whether the leg is one of the front pair.
func (id LegID) Front() bool {
	return id == FrontLeft || id == FrontRight
}

// Chirality tags a leg as a left or right mechanism. The two sides share
// one solver; chirality only mirrors the lateral sign conventions.
type Chirality int

// Left and Right chirality tags.
const (
	Left Chirality = iota
	Right
)

func (c Chirality) String() string {
	if c == Right {
		return "right"
	}
	return "left"
}

// JointAngles holds the three joint angles of one leg in radians:
// shoulder abduction, hip pitch and knee flexion.
type JointAngles struct {
	Shoulder float64 `json:"shoulder"`
	Hip      float64 `json:"hip"`
	Knee     float64 `json:"knee"`
}

// EulerAngles describes body orientation as roll, pitch and yaw in
// radians.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Axis names the reach constraint that a failed solve violated.
type Axis int

const (
	// AxisLateral means the target's Z coordinate exceeds the shoulder's
	// lateral sweep.
	AxisLateral Axis = iota
	// AxisRadial means the planar hip-to-target distance is outside the
	// femur+tibia annulus.
	AxisRadial
)

func (a Axis) String() string {
	if a == AxisRadial {
		return "radial"
	}
	return "lateral"
}

// UnreachableError reports a foot target outside the leg's reachable
// envelope. The target is never clamped; callers decide whether to hold
// the previous pose or abort.
type UnreachableError struct {
	Leg    LegID
	Axis   Axis
	Target r3.Vector
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("leg %s: target (%.1f, %.1f, %.1f) unreachable on %s axis",
		e.Leg, e.Target.X, e.Target.Y, e.Target.Z, e.Axis)
}

// LimitError reports a solved angle outside the configured joint range.
type LimitError struct {
	Leg   LegID
	Joint string
	Angle float64
	Min   float64
	Max   float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("leg %s: %s angle %.4f rad outside [%.4f, %.4f]",
		e.Leg, e.Joint, e.Angle, e.Min, e.Max)
}

// AngleRange bounds one joint in radians.
type AngleRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r AngleRange) contains(a float64) bool {
	return a >= r.Min && a <= r.Max
}

// JointRanges holds the per-joint limits for one leg.
type JointRanges struct {
	Shoulder AngleRange `json:"shoulder"`
	Hip      AngleRange `json:"hip"`
	Knee     AngleRange `json:"knee"`
}
