package spotmicro

import (
	"context"
	"math"
	"sync"

	"github.com/hipsterbrown/feetech-servo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"spotmicro/kinematics"
)

// servoID maps a leg and joint index (0 shoulder, 1 hip, 2 knee) to the
// bus ID. IDs run 1 through 12 in leg order.
func servoID(leg kinematics.LegID, joint int) int {
	return int(leg)*3 + joint + 1
}

// ServoDriver owns the twelve joint servos behind one serial bus. It
// converts solved joint angles from radians to calibrated raw counts
// and writes them out, implementing the motion controller's writer.
type ServoDriver struct {
	bus    *feetech.Bus
	servos map[int]*feetech.Servo
	byID   [13]*feetech.MotorCalibration
	logger logging.Logger
	mu     sync.Mutex
}

func newServoDriver(bus *feetech.Bus, servos map[int]*feetech.Servo, cal RobotCalibration, logger logging.Logger) *ServoDriver {
	d := &ServoDriver{
		bus:    bus,
		servos: servos,
		logger: logger,
	}
	d.setCalibration(cal)
	return d
}

func (d *ServoDriver) setCalibration(cal RobotCalibration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := 1; id <= len(jointNames); id++ {
		d.byID[id] = cal.ByID(id)
	}
}

// WriteJointAngles pushes one full body pose to the hardware. Joint
// angles arrive in radians and leave as calibrated raw counts.
func (d *ServoDriver) WriteJointAngles(ctx context.Context, angles [kinematics.NumLegs]kinematics.JointAngles) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < kinematics.NumLegs; i++ {
		leg := kinematics.LegID(i)
		for joint, rad := range []float64{angles[i].Shoulder, angles[i].Hip, angles[i].Knee} {
			id := servoID(leg, joint)
			cal := d.byID[id]
			if cal == nil {
				return errors.Errorf("servo %d has no calibration", id)
			}

			raw, err := cal.Denormalize(rad * 180 / math.Pi)
			if err != nil {
				return errors.Wrapf(err, "servo %d", id)
			}
			if err := d.servos[id].WritePosition(float64(raw), false); err != nil {
				return errors.Wrapf(err, "failed to move servo %d", id)
			}
		}
	}
	return nil
}

// SetTorqueEnabled toggles torque on every joint servo. Errors are
// collected so one dead servo does not leave the rest energized.
func (d *ServoDriver) SetTorqueEnabled(ctx context.Context, enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for id := 1; id <= len(jointNames); id++ {
		if err := d.servos[id].SetTorqueEnable(enable); err != nil {
			d.logger.Warnf("failed to set torque on servo %d: %v", id, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "servo %d", id)
			}
		}
	}
	return firstErr
}
