// Package motion runs the tick-driven state machine that turns external
// commands into coordinated whole-body joint updates.
//
// A single control goroutine owns all motion state. External callers
// interact through a one-slot command mailbox where the newest command
// wins, a priority abort slot checked before anything else each tick,
// and read-only status snapshots. Hardware writes are dispatched to a
// separate goroutine through a depth-one slot so a slow bus can never
// stall the control loop.
package motion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"spotmicro/gait"
	"spotmicro/kinematics"
)

// State identifies the controller's current activity.
type State int

const (
	// StateIdle holds the last commanded angles and emits nothing.
	StateIdle State = iota
	// StateStanding holds a static body pose with all feet planted.
	StateStanding
	// StateWalking advances the active gait every tick.
	StateWalking
	// StateResting lowers the body to the crouch height before idling.
	StateResting
	// StateAborting emits one safe crouch pose, then idles.
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStanding:
		return "standing"
	case StateWalking:
		return "walking"
	case StateResting:
		return "resting"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Failure records the most recent solve rejection.
type Failure struct {
	Leg  kinematics.LegID
	Axis kinematics.Axis
	Tick uint64
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	Tick   uint64
	State  State
	Angles [kinematics.NumLegs]kinematics.JointAngles
	// Failure is the last solve rejection, if any occurred.
	Failure *Failure
	// HardwareError is the last failed joint write, cleared by the next
	// successful one.
	HardwareError string
}

// JointWriter delivers one full set of joint angles to the hardware.
// Implementations may block; the controller never waits on them.
type JointWriter interface {
	WriteJointAngles(ctx context.Context, angles [kinematics.NumLegs]kinematics.JointAngles) error
}

// Config tunes the control loop.
type Config struct {
	// TickInterval is the control period. Defaults to 20ms.
	TickInterval time.Duration
	// MaxSolveFailures is how many consecutive unreachable ticks walking
	// tolerates before retreating to resting. Defaults to 5.
	MaxSolveFailures int
	// RestDuration is how long the resting descent takes. Defaults to 1s.
	RestDuration time.Duration
	// StandHeight and CrouchHeight are leg extension depths in mm,
	// measured shoulder to ground.
	StandHeight  float64
	CrouchHeight float64
	// Gaits maps mode names to generators. DefaultGait must name one.
	Gaits       map[string]*gait.Generator
	DefaultGait string
	// Clock is swapped for a mock in tests. Defaults to the wall clock.
	Clock clock.Clock
}

func (c *Config) validateAndFill() error {
	if c.TickInterval <= 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.MaxSolveFailures <= 0 {
		c.MaxSolveFailures = 5
	}
	if c.RestDuration <= 0 {
		c.RestDuration = time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.StandHeight <= 0 || c.CrouchHeight <= 0 || c.CrouchHeight >= c.StandHeight {
		return errors.Errorf("need 0 < crouch height < stand height, got crouch=%.1f stand=%.1f",
			c.CrouchHeight, c.StandHeight)
	}
	if len(c.Gaits) == 0 {
		return errors.New("at least one gait must be configured")
	}
	if _, ok := c.Gaits[c.DefaultGait]; !ok {
		return errors.Errorf("default gait %q is not configured", c.DefaultGait)
	}
	return nil
}

// Controller owns the body coordinator and drives it from a periodic
// tick. All fields below the mailboxes are touched only by the control
// goroutine.
type Controller struct {
	cfg    Config
	body   *kinematics.Body
	writer JointWriter
	logger logging.Logger

	cmdSlot   atomic.Pointer[Command]
	abortSlot chan struct{}

	outSlot  atomic.Pointer[[kinematics.NumLegs]kinematics.JointAngles]
	outReady chan struct{}

	statusMu sync.RWMutex
	status   Status
	hwErr    atomic.Pointer[string]

	tick        uint64
	state       State
	pendingPose *PoseCommand
	walk        WalkCommand
	activeGait  *gait.Generator
	phase       float64
	stance      [kinematics.NumLegs]r3.Vector
	failures    int
	lastFailure *Failure
	restFrom    float64
	restTick    int
	restTicks   int

	cancelCtx context.Context
	cancel    func()
	workers   sync.WaitGroup
	started   bool
}

// New builds a controller around an already-initialized body. The body
// should be in its startup stance; the controller begins in the idle
// state and emits nothing until commanded.
func New(cfg Config, body *kinematics.Body, writer JointWriter, logger logging.Logger) (*Controller, error) {
	if err := cfg.validateAndFill(); err != nil {
		return nil, err
	}
	if body == nil || writer == nil {
		return nil, errors.New("body and writer are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		body:      body,
		writer:    writer,
		logger:    logger,
		abortSlot: make(chan struct{}, 1),
		outReady:  make(chan struct{}, 1),
		state:     StateIdle,
		cancelCtx: ctx,
		cancel:    cancel,
	}
	c.publishStatus()
	return c, nil
}

// Start launches the control and writer goroutines. It is not safe to
// call twice.
func (c *Controller) Start() {
	if c.started {
		return
	}
	c.started = true

	ticker := c.cfg.Clock.Ticker(c.cfg.TickInterval)
	c.workers.Add(2)
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-c.cancelCtx.Done():
				return
			case <-ticker.C:
				c.step()
			}
		}
	})
	utils.PanicCapturingGo(func() {
		defer c.workers.Done()
		for {
			select {
			case <-c.cancelCtx.Done():
				return
			case <-c.outReady:
				c.flushWrites(c.cancelCtx)
			}
		}
	})
}

// Close stops both goroutines and waits for them to exit.
func (c *Controller) Close(ctx context.Context) error {
	c.cancel()
	c.workers.Wait()
	return nil
}

// Offer queues a command. Only the most recent unconsumed command is
// kept; an invalid command is rejected here and displaces nothing.
func (c *Controller) Offer(cmd Command) error {
	if err := cmd.validate(c.cfg.Gaits); err != nil {
		c.logger.Warnf("rejecting command: %v", err)
		return err
	}
	c.cmdSlot.Swap(&cmd)
	return nil
}

// Abort requests an immediate retreat to a safe pose. It outranks any
// queued command and is honored on the next tick.
func (c *Controller) Abort() {
	select {
	case c.abortSlot <- struct{}{}:
	default:
	}
}

// Status returns the latest snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s := c.status
	if p := c.hwErr.Load(); p != nil {
		s.HardwareError = *p
	}
	return s
}

// step runs one control period. Abort is serviced before the command
// slot so a flood of queued commands can never delay it.
func (c *Controller) step() {
	c.tick++

	select {
	case <-c.abortSlot:
		c.stepAborting()
		return
	default:
	}

	if cmd := c.cmdSlot.Swap(nil); cmd != nil {
		c.applyCommand(*cmd)
	}

	switch c.state {
	case StateStanding:
		c.stepStanding()
	case StateWalking:
		c.stepWalking()
	case StateResting:
		c.stepResting()
	case StateIdle:
		// Holding. Nothing is emitted.
	}
	c.publishStatus()
}

// applyCommand transitions the state machine for one consumed command.
func (c *Controller) applyCommand(cmd Command) {
	switch {
	case cmd.Pose != nil:
		c.pendingPose = cmd.Pose
		if c.state != StateWalking {
			c.state = StateStanding
		}
	case cmd.Walk != nil:
		name := cmd.Walk.Gait
		if name == "" {
			name = c.cfg.DefaultGait
		}
		gen := c.cfg.Gaits[name]
		if c.state != StateWalking || gen != c.activeGait {
			c.activeGait = gen
			c.phase = 0
			c.stance = c.body.State().Feet
			c.state = StateWalking
		}
		c.walk = *cmd.Walk
	case cmd.Rest:
		if c.state == StateStanding || c.state == StateWalking {
			c.enterResting()
		}
	}
}

func (c *Controller) stepStanding() {
	if c.pendingPose == nil {
		return
	}
	desired := c.body.State()
	desired.Position = c.pendingPose.Position
	desired.Orientation = c.pendingPose.Orientation
	if !c.trySetBodyState(desired) {
		c.retreatIfExhausted()
		return
	}
	c.pendingPose = nil
	c.emit()
}

func (c *Controller) stepWalking() {
	desired := c.body.State()
	if c.pendingPose != nil {
		desired.Position = c.pendingPose.Position
		desired.Orientation = c.pendingPose.Orientation
	}
	for i := 0; i < kinematics.NumLegs; i++ {
		desired.Feet[i] = c.legTarget(kinematics.LegID(i))
	}

	// Advance for the next tick after sampling, so a fresh walk starts
	// at the first keyframe instead of one tick into the cycle.
	c.phase += float64(c.cfg.TickInterval) / float64(c.activeGait.CycleDuration())
	for c.phase >= 1 {
		c.phase--
	}

	if !c.trySetBodyState(desired) {
		c.retreatIfExhausted()
		return
	}
	c.pendingPose = nil
	c.emit()
}

// retreatIfExhausted leaves standing or walking for resting once the
// consecutive rejection budget is spent.
func (c *Controller) retreatIfExhausted() {
	if c.failures >= c.cfg.MaxSolveFailures {
		c.logger.Warnf("%d consecutive unreachable ticks, retreating to rest", c.failures)
		c.enterResting()
	}
}

// legTarget shapes one gait sample by the commanded drive factors. The
// stride axis scales with forward drive plus a differential yaw term;
// the lateral axis borrows the stride profile. Foot lift is never
// scaled, so a zero-drive walk steps in place.
func (c *Controller) legTarget(leg kinematics.LegID) r3.Vector {
	rel := c.activeGait.PositionAt(leg, c.phase)

	yawSign := -1.0
	if leg.Chirality() == kinematics.Right {
		yawSign = 1.0
	}
	drive := clampUnit(c.walk.Forward + yawSign*c.walk.Yaw)
	lateral := clampUnit(c.walk.Lateral)

	return c.stance[leg].Add(r3.Vector{
		X: rel.X * drive,
		Y: rel.Y,
		Z: rel.X*lateral + rel.Z,
	})
}

func (c *Controller) enterResting() {
	c.state = StateResting
	c.restFrom = c.body.State().Position.Y
	c.restTick = 0
	c.restTicks = int(c.cfg.RestDuration / c.cfg.TickInterval)
	if c.restTicks < 1 {
		c.restTicks = 1
	}
	c.pendingPose = nil
}

// stepResting sinks the body toward the crouch height. Down is positive
// Y, so the body position descends from its current height to the
// stand-to-crouch drop.
func (c *Controller) stepResting() {
	c.restTick++
	frac := float64(c.restTick) / float64(c.restTicks)
	if frac > 1 {
		frac = 1
	}
	target := c.cfg.StandHeight - c.cfg.CrouchHeight

	desired := c.body.State()
	desired.Position.Y = c.restFrom + (target-c.restFrom)*frac
	if c.trySetBodyState(desired) {
		c.emit()
	}
	if c.restTick >= c.restTicks {
		c.state = StateIdle
	}
}

// stepAborting commands the crouch pose in a single tick and idles. The
// status published for this tick reports the aborting state.
func (c *Controller) stepAborting() {
	c.state = StateAborting
	c.pendingPose = nil
	c.cmdSlot.Store(nil)

	desired := c.body.State()
	desired.Position.Y = c.cfg.StandHeight - c.cfg.CrouchHeight
	desired.Orientation = kinematics.EulerAngles{}
	if c.trySetBodyState(desired) {
		c.emit()
	} else {
		c.logger.Errorf("abort crouch unsolvable, holding last angles")
	}

	c.state = StateIdle
	c.publishStatusAs(StateAborting)
}

// trySetBodyState attempts one atomic whole-body solve. A rejection
// holds the previous angles and counts toward the failure budget.
func (c *Controller) trySetBodyState(desired kinematics.BodyState) bool {
	if err := c.body.SetBodyState(desired); err != nil {
		c.failures++
		f := &Failure{Tick: c.tick}
		var unreachable *kinematics.UnreachableError
		if errors.As(err, &unreachable) {
			f.Leg = unreachable.Leg
			f.Axis = unreachable.Axis
			c.logger.Warnf("leg %s target unreachable on %s axis, holding previous angles: %v",
				unreachable.Leg, unreachable.Axis, err)
		} else {
			c.logger.Warnf("body solve rejected, holding previous angles: %v", err)
		}
		c.lastFailure = f
		return false
	}
	c.failures = 0
	return true
}

// emit hands the current angles to the writer goroutine. The slot holds
// one pending set; a newer set overwrites an unconsumed older one.
func (c *Controller) emit() {
	angles := c.body.JointAngles()
	c.outSlot.Store(&angles)
	select {
	case c.outReady <- struct{}{}:
	default:
	}
}

// flushWrites drains the output slot into the hardware writer. A failed
// write is logged and recorded; the next tick's angles supersede it.
func (c *Controller) flushWrites(ctx context.Context) {
	p := c.outSlot.Swap(nil)
	if p == nil {
		return
	}
	if err := c.writer.WriteJointAngles(ctx, *p); err != nil {
		c.logger.Warnf("joint write failed, next tick supersedes: %v", err)
		msg := err.Error()
		c.hwErr.Store(&msg)
		return
	}
	c.hwErr.Store(nil)
}

func (c *Controller) publishStatus() {
	c.publishStatusAs(c.state)
}

func (c *Controller) publishStatusAs(s State) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = Status{
		Tick:    c.tick,
		State:   s,
		Angles:  c.body.JointAngles(),
		Failure: c.lastFailure,
	}
}
