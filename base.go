// Package spotmicro exposes a 12-servo quadruped as a Viam base
// component. The component wires the serial servo bus, the kinematics
// stack and the motion controller together; locomotion commands arrive
// through the standard base API and map onto gait walking.
package spotmicro

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"spotmicro/kinematics"
	"spotmicro/motion"
)

// Model is the registered quadruped base model.
var Model = resource.NewModel("devrel", "base", "spotmicro")

func init() {
	resource.RegisterComponent(base.API, Model,
		resource.Registration[base.Base, *Config]{
			Constructor: newQuadrupedBase,
		},
	)
}

type quadrupedBase struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config
	opMgr  *operation.SingleOperationManager

	driver     *ServoDriver
	controller *motion.Controller
	geometry   spatialmath.Geometry

	isMoving atomic.Bool

	cancelCtx  context.Context
	cancelFunc func()
}

func newQuadrupedBase(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (base.Base, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	conf.Logger = logger

	calibration, fromFile := conf.LoadCalibration(logger)
	driver, err := sharedRegistry.GetDriver(conf.Port, conf, calibration, fromFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize servo bus")
	}

	body, err := conf.buildBody()
	if err != nil {
		sharedRegistry.ReleaseDriver(conf.Port)
		return nil, errors.Wrap(err, "failed to build leg solvers")
	}
	gaits, err := conf.buildGaits()
	if err != nil {
		sharedRegistry.ReleaseDriver(conf.Port)
		return nil, err
	}
	controller, err := motion.New(conf.motionConfig(gaits), body, driver, logger)
	if err != nil {
		sharedRegistry.ReleaseDriver(conf.Port)
		return nil, err
	}

	geometry, err := spatialmath.NewBox(
		spatialmath.NewZeroPose(),
		r3.Vector{X: conf.BodyLengthMM, Y: conf.BodyWidthMM, Z: conf.StandHeightMM},
		rawConf.ResourceName().ShortName(),
	)
	if err != nil {
		sharedRegistry.ReleaseDriver(conf.Port)
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	b := &quadrupedBase{
		name:       rawConf.ResourceName(),
		logger:     logger,
		cfg:        conf,
		opMgr:      operation.NewSingleOperationManager(),
		driver:     driver,
		controller: controller,
		geometry:   geometry,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	if err := driver.SetTorqueEnabled(ctx, true); err != nil {
		logger.Warnf("failed to enable torque: %v", err)
	}
	controller.Start()

	// Bring the body up to the standing stance.
	if err := controller.Offer(motion.Command{Pose: &motion.PoseCommand{}}); err != nil {
		logger.Warnf("failed to command initial stance: %v", err)
	}

	logger.Infof("quadruped base initialized on port %s, default gait %q", conf.Port, conf.DefaultGait)
	return b, nil
}

func (b *quadrupedBase) Name() resource.Name {
	return b.name
}

func clampDrive(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// walkFor runs one timed walk and returns the body to standing. It is
// the common implementation of MoveStraight and Spin.
func (b *quadrupedBase) walkFor(ctx context.Context, cmd motion.WalkCommand, duration time.Duration) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if err := b.controller.Offer(motion.Command{Walk: &cmd}); err != nil {
		return err
	}
	b.isMoving.Store(true)
	defer b.isMoving.Store(false)

	goutils.SelectContextOrWait(ctx, duration)
	return b.controller.Offer(motion.Command{Pose: &motion.PoseCommand{}})
}

func (b *quadrupedBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, extra)
	}

	forward := clampDrive(math.Abs(mmPerSec) / b.cfg.MaxForwardMMPerSec)
	if distanceMm < 0 {
		forward = -forward
	}
	duration := time.Duration(math.Abs(float64(distanceMm)) / math.Abs(mmPerSec) * float64(time.Second))
	return b.walkFor(ctx, motion.WalkCommand{Forward: forward}, duration)
}

func (b *quadrupedBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return b.Stop(ctx, extra)
	}

	yaw := clampDrive(math.Abs(degsPerSec) / b.cfg.MaxYawDegPerSec)
	if angleDeg < 0 {
		yaw = -yaw
	}
	duration := time.Duration(math.Abs(angleDeg) / math.Abs(degsPerSec) * float64(time.Second))
	return b.walkFor(ctx, motion.WalkCommand{Yaw: yaw}, duration)
}

func (b *quadrupedBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)

	if linear.Y == 0 && linear.X == 0 && angular.Z == 0 {
		return b.Stop(ctx, extra)
	}
	cmd := motion.WalkCommand{
		Forward: clampDrive(linear.Y),
		Lateral: clampDrive(linear.X),
		Yaw:     clampDrive(angular.Z),
	}
	if err := b.controller.Offer(motion.Command{Walk: &cmd}); err != nil {
		return err
	}
	b.isMoving.Store(true)
	return nil
}

func (b *quadrupedBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	return b.SetPower(ctx,
		r3.Vector{
			X: linear.X / b.cfg.MaxLateralMMPerSec,
			Y: linear.Y / b.cfg.MaxForwardMMPerSec,
		},
		r3.Vector{Z: angular.Z / b.cfg.MaxYawDegPerSec},
		extra)
}

// Stop plants all four feet and returns to the standing pose.
func (b *quadrupedBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	b.isMoving.Store(false)
	return b.controller.Offer(motion.Command{Pose: &motion.PoseCommand{}})
}

func (b *quadrupedBase) IsMoving(ctx context.Context) (bool, error) {
	if b.isMoving.Load() {
		return true, nil
	}
	s := b.controller.Status()
	return s.State == motion.StateWalking || s.State == motion.StateResting, nil
}

func (b *quadrupedBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		// Legged bases turn in place.
		TurningRadiusMeters: 0,
		WidthMeters:         b.cfg.BodyWidthMM / 1000,
	}, nil
}

func (b *quadrupedBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return []spatialmath.Geometry{b.geometry}, nil
}

func (b *quadrupedBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "stand":
		pose := &motion.PoseCommand{}
		if v, ok := cmd["height_mm"].(float64); ok {
			// Positive height raises the body above the crouch baseline.
			pose.Position.Y = b.cfg.StandHeightMM - v
		}
		if v, ok := cmd["roll_rad"].(float64); ok {
			pose.Orientation.Roll = v
		}
		if v, ok := cmd["pitch_rad"].(float64); ok {
			pose.Orientation.Pitch = v
		}
		if v, ok := cmd["yaw_rad"].(float64); ok {
			pose.Orientation.Yaw = v
		}
		err := b.controller.Offer(motion.Command{Pose: pose})
		return map[string]interface{}{"success": err == nil}, err

	case "walk":
		walk := &motion.WalkCommand{}
		if v, ok := cmd["gait"].(string); ok {
			walk.Gait = v
		}
		if v, ok := cmd["forward"].(float64); ok {
			walk.Forward = clampDrive(v)
		}
		if v, ok := cmd["lateral"].(float64); ok {
			walk.Lateral = clampDrive(v)
		}
		if v, ok := cmd["yaw"].(float64); ok {
			walk.Yaw = clampDrive(v)
		}
		err := b.controller.Offer(motion.Command{Walk: walk})
		if err == nil {
			b.isMoving.Store(true)
		}
		return map[string]interface{}{"success": err == nil}, err

	case "rest":
		err := b.controller.Offer(motion.Command{Rest: true})
		return map[string]interface{}{"success": err == nil}, err

	case "abort":
		b.controller.Abort()
		b.isMoving.Store(false)
		return map[string]interface{}{"success": true}, nil

	case "set_torque":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, errors.New("set_torque command requires 'enable' boolean parameter")
		}
		err := b.driver.SetTorqueEnabled(ctx, enable)
		return map[string]interface{}{"success": err == nil}, err

	case "status":
		s := b.controller.Status()
		result := map[string]interface{}{
			"state": s.State.String(),
			"tick":  int(s.Tick),
		}
		if s.Failure != nil {
			result["failed_leg"] = s.Failure.Leg.String()
			result["failed_axis"] = s.Failure.Axis.String()
		}
		if s.HardwareError != "" {
			result["hardware_error"] = s.HardwareError
		}
		angles := make(map[string]interface{}, kinematics.NumLegs)
		for i := 0; i < kinematics.NumLegs; i++ {
			angles[kinematics.LegID(i).String()] = []float64{
				s.Angles[i].Shoulder, s.Angles[i].Hip, s.Angles[i].Knee,
			}
		}
		result["joint_angles_rad"] = angles
		return result, nil

	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

// Close retreats to the crouch, stops the control loop and releases the
// shared bus.
func (b *quadrupedBase) Close(ctx context.Context) error {
	b.logger.Info("closing quadruped base")

	b.controller.Abort()
	goutils.SelectContextOrWait(ctx, 2*time.Duration(b.cfg.TickMS)*time.Millisecond)

	if err := b.controller.Close(ctx); err != nil {
		b.logger.Warnf("error stopping motion controller: %v", err)
	}
	if err := b.driver.SetTorqueEnabled(ctx, false); err != nil {
		b.logger.Warnf("failed to disable torque: %v", err)
	}

	b.cancelFunc()
	sharedRegistry.ReleaseDriver(b.cfg.Port)
	return nil
}
