package motion

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"spotmicro/gait"
	"spotmicro/kinematics"
)

// PoseCommand requests a body position and orientation with the feet
// held planted.
type PoseCommand struct {
	Position    r3.Vector
	Orientation kinematics.EulerAngles
}

// WalkCommand requests gait-driven locomotion. Forward, Lateral and Yaw
// are normalized drive factors in [-1, 1] scaling the gait's stride.
type WalkCommand struct {
	// Gait names a configured gait mode; empty selects the default.
	Gait    string
	Forward float64
	Lateral float64
	Yaw     float64
}

// Command is one external request. Exactly one field must be set; the
// controller never merges partial commands across ticks.
type Command struct {
	Pose *PoseCommand
	Walk *WalkCommand
	Rest bool
}

// MalformedCommandError reports a command that was ignored. The
// previously commanded state stays in effect.
type MalformedCommandError struct {
	Reason string
}

func (e *MalformedCommandError) Error() string {
	return fmt.Sprintf("malformed command: %s", e.Reason)
}

func (c Command) validate(gaits map[string]*gait.Generator) error {
	set := 0
	if c.Pose != nil {
		set++
	}
	if c.Walk != nil {
		set++
	}
	if c.Rest {
		set++
	}
	if set != 1 {
		return &MalformedCommandError{Reason: fmt.Sprintf("expected exactly one of pose, walk or rest, got %d", set)}
	}

	if c.Pose != nil {
		if !finiteVec(c.Pose.Position) ||
			!finite(c.Pose.Orientation.Roll, c.Pose.Orientation.Pitch, c.Pose.Orientation.Yaw) {
			return &MalformedCommandError{Reason: "pose contains non-finite values"}
		}
	}
	if c.Walk != nil {
		if !finite(c.Walk.Forward, c.Walk.Lateral, c.Walk.Yaw) {
			return &MalformedCommandError{Reason: "walk velocities contain non-finite values"}
		}
		if c.Walk.Gait != "" {
			if _, ok := gaits[c.Walk.Gait]; !ok {
				return &MalformedCommandError{Reason: fmt.Sprintf("unknown gait mode %q", c.Walk.Gait)}
			}
		}
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteVec(v r3.Vector) bool {
	return finite(v.X, v.Y, v.Z)
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
