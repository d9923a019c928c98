package motion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"spotmicro/gait"
	"spotmicro/kinematics"
)

const (
	testStandHeight  = 155.0
	testCrouchHeight = 110.0
	testTick         = 20 * time.Millisecond
)

type fakeWriter struct {
	mu     sync.Mutex
	writes [][kinematics.NumLegs]kinematics.JointAngles
	err    error
}

func (w *fakeWriter) WriteJointAngles(ctx context.Context, angles [kinematics.NumLegs]kinematics.JointAngles) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, angles)
	return nil
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *fakeWriter) last() [kinematics.NumLegs]kinematics.JointAngles {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[len(w.writes)-1]
}

func testBody(t *testing.T) *kinematics.Body {
	t.Helper()
	links := kinematics.LinkLengths{
		Femur:          110,
		Tibia:          130,
		ShoulderOffset: r3.Vector{X: 28.5, Y: 58.5, Z: -10},
	}
	ranges := kinematics.JointRanges{
		Shoulder: kinematics.AngleRange{Min: -1.6, Max: 1.6},
		Hip:      kinematics.AngleRange{Min: -1.6, Max: 3.2},
		Knee:     kinematics.AngleRange{Min: 0, Max: 3.2},
	}
	var legs [kinematics.NumLegs]*kinematics.LegState
	for i := 0; i < kinematics.NumLegs; i++ {
		leg, err := kinematics.NewLegState(kinematics.LegID(i), links, ranges, 0)
		require.NoError(t, err)
		legs[i] = leg
	}

	geometry := kinematics.BodyGeometry{Length: 186, Width: 78}
	var initial kinematics.BodyState
	for i := 0; i < kinematics.NumLegs; i++ {
		m := geometry.MountPoint(kinematics.LegID(i))
		initial.Feet[i] = r3.Vector{X: m.X, Y: testStandHeight, Z: m.Z}
	}
	body, err := kinematics.NewBody(geometry, legs, initial)
	require.NoError(t, err)
	return body
}

func testGaits(t *testing.T) map[string]*gait.Generator {
	t.Helper()
	gen, err := gait.NewGenerator(gait.Config{
		Keyframes: []r3.Vector{
			{X: 0, Y: 0, Z: 0},
			{X: -15, Y: 0, Z: 0},
			{X: -15, Y: -25, Z: 0},
			{X: 15, Y: -25, Z: 0},
			{X: 15, Y: 0, Z: 0},
		},
		PhaseOffsets:  [kinematics.NumLegs]float64{0, 0.5, 0.5, 0},
		CycleDuration: 400 * time.Millisecond,
	})
	require.NoError(t, err)
	return map[string]*gait.Generator{"trot": gen}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		TickInterval:     testTick,
		MaxSolveFailures: 3,
		RestDuration:     100 * time.Millisecond,
		StandHeight:      testStandHeight,
		CrouchHeight:     testCrouchHeight,
		Gaits:            testGaits(t),
		DefaultGait:      "trot",
	}
}

// newTestController builds a controller without starting its
// goroutines; tests drive step and flushWrites directly so every
// assertion is deterministic.
func newTestController(t *testing.T) (*Controller, *fakeWriter) {
	t.Helper()
	writer := &fakeWriter{}
	c, err := New(testConfig(t), testBody(t), writer, logging.NewTestLogger(t))
	require.NoError(t, err)
	return c, writer
}

func TestConfigValidation(t *testing.T) {
	writer := &fakeWriter{}
	logger := logging.NewTestLogger(t)

	cfg := testConfig(t)
	cfg.CrouchHeight = cfg.StandHeight + 1
	_, err := New(cfg, testBody(t), writer, logger)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Gaits = nil
	_, err = New(cfg, testBody(t), writer, logger)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.DefaultGait = "gallop"
	_, err = New(cfg, testBody(t), writer, logger)
	require.Error(t, err)
}

func TestOfferRejectsMalformedCommands(t *testing.T) {
	c, _ := newTestController(t)

	var malformed *MalformedCommandError

	err := c.Offer(Command{})
	require.Error(t, err)
	require.True(t, errors.As(err, &malformed))

	err = c.Offer(Command{Pose: &PoseCommand{}, Rest: true})
	require.Error(t, err)
	require.True(t, errors.As(err, &malformed))

	err = c.Offer(Command{Walk: &WalkCommand{Gait: "gallop"}})
	require.Error(t, err)
	require.True(t, errors.As(err, &malformed))

	// A rejected command displaces nothing.
	c.step()
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestIdleEmitsNothing(t *testing.T) {
	c, writer := newTestController(t)

	for i := 0; i < 5; i++ {
		c.step()
		c.flushWrites(context.Background())
	}
	assert.Equal(t, 0, writer.count())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestPoseCommandStands(t *testing.T) {
	c, writer := newTestController(t)
	before := c.body.JointAngles()

	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{
		Position:    r3.Vector{X: 10, Y: -8, Z: 4},
		Orientation: kinematics.EulerAngles{Roll: 0.03, Pitch: 0.05},
	}}))
	c.step()
	c.flushWrites(context.Background())

	assert.Equal(t, StateStanding, c.Status().State)
	require.Equal(t, 1, writer.count())
	assert.NotEqual(t, before, writer.last())
	assert.Equal(t, r3.Vector{X: 10, Y: -8, Z: 4}, c.body.State().Position)
}

func TestNewestCommandWins(t *testing.T) {
	c, writer := newTestController(t)

	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{X: 5}}}))
	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{X: -5}}}))
	c.step()
	c.flushWrites(context.Background())

	// Only the second pose was ever solved.
	assert.Equal(t, r3.Vector{X: -5}, c.body.State().Position)
	assert.Equal(t, 1, writer.count())
}

func TestWalkingEmitsEveryTick(t *testing.T) {
	c, writer := newTestController(t)

	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Forward: 1}}))
	const ticks = 10
	for i := 0; i < ticks; i++ {
		c.step()
		c.flushWrites(context.Background())
	}

	assert.Equal(t, StateWalking, c.Status().State)
	require.Equal(t, ticks, writer.count())

	// The gait actually moves the legs.
	assert.NotEqual(t, writer.writes[0], writer.last())
}

func TestWalkingZeroDriveStepsInPlace(t *testing.T) {
	c, _ := newTestController(t)
	stanceFeet := c.body.State().Feet

	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Forward: 0}}))
	for i := 0; i < 10; i++ {
		c.step()
	}

	// Feet lift but never leave their stance X/Z columns.
	feet := c.body.State().Feet
	for i := 0; i < kinematics.NumLegs; i++ {
		assert.InDelta(t, stanceFeet[i].X, feet[i].X, 1e-9)
		assert.InDelta(t, stanceFeet[i].Z, feet[i].Z, 1e-9)
	}
}

func TestWalkingFirstTickSamplesCycleStart(t *testing.T) {
	c, _ := newTestController(t)
	stanceFeet := c.body.State().Feet

	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Forward: 1}}))
	c.step()

	// Legs with a zero phase offset begin exactly on the first
	// keyframe, which for this gait is the stance itself.
	feet := c.body.State().Feet
	for _, i := range []int{0, 3} {
		assert.InDelta(t, stanceFeet[i].X, feet[i].X, 1e-9)
		assert.InDelta(t, stanceFeet[i].Y, feet[i].Y, 1e-9)
		assert.InDelta(t, stanceFeet[i].Z, feet[i].Z, 1e-9)
	}

	// The second tick moves off the first keyframe.
	c.step()
	assert.NotEqual(t, stanceFeet[0], c.body.State().Feet[0])
}

func TestAbortPreemptsQueuedCommand(t *testing.T) {
	c, writer := newTestController(t)

	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Forward: 1}}))
	for i := 0; i < 3; i++ {
		c.step()
	}
	require.Equal(t, StateWalking, c.Status().State)

	// A queued command and an abort arrive together; the abort wins
	// within one tick and the queued command is discarded.
	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Forward: -1}}))
	c.Abort()
	c.step()
	c.flushWrites(context.Background())

	assert.Equal(t, StateAborting, c.Status().State)
	drop := testStandHeight - testCrouchHeight
	assert.InDelta(t, drop, c.body.State().Position.Y, 1e-9)
	require.Greater(t, writer.count(), 0)

	c.step()
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestRestCommandDescendsToIdle(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{}}))
	c.step()
	require.Equal(t, StateStanding, c.Status().State)

	feetBefore := c.body.FootPositions()
	require.NoError(t, c.Offer(Command{Rest: true}))

	restTicks := int(c.cfg.RestDuration / c.cfg.TickInterval)
	for i := 0; i < restTicks; i++ {
		c.step()
	}

	assert.Equal(t, StateIdle, c.Status().State)
	drop := testStandHeight - testCrouchHeight
	assert.InDelta(t, drop, c.body.State().Position.Y, 1e-9)

	// The feet never moved in the world frame during the descent.
	feetAfter := c.body.FootPositions()
	for i := 0; i < kinematics.NumLegs; i++ {
		assert.InDelta(t, feetBefore[i].X, feetAfter[i].X, 1e-6)
		assert.InDelta(t, feetBefore[i].Y, feetAfter[i].Y, 1e-6)
		assert.InDelta(t, feetBefore[i].Z, feetAfter[i].Z, 1e-6)
	}
}

func TestUnreachableHoldsThenRests(t *testing.T) {
	writer := &fakeWriter{}
	cfg := testConfig(t)

	// A gait whose lift immediately exceeds the leg envelope.
	gen, err := gait.NewGenerator(gait.Config{
		Keyframes:     []r3.Vector{{Y: -500}},
		CycleDuration: 400 * time.Millisecond,
	})
	require.NoError(t, err)
	cfg.Gaits["broken"] = gen

	c, err := New(cfg, testBody(t), writer, logging.NewTestLogger(t))
	require.NoError(t, err)
	anglesBefore := c.body.JointAngles()

	require.NoError(t, c.Offer(Command{Walk: &WalkCommand{Gait: "broken", Forward: 1}}))
	for i := 0; i < cfg.MaxSolveFailures; i++ {
		c.step()
		c.flushWrites(context.Background())
	}

	// Every walking tick was rejected: angles held, nothing written,
	// the failure is reported, and the controller retreated to rest.
	assert.Equal(t, 0, writer.count())
	assert.Equal(t, anglesBefore, c.body.JointAngles())
	assert.Equal(t, StateResting, c.Status().State)

	status := c.Status()
	require.NotNil(t, status.Failure)
	assert.Equal(t, kinematics.AxisRadial, status.Failure.Axis)
}

func TestStandingUnreachableRetreatsToRest(t *testing.T) {
	c, writer := newTestController(t)

	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{}}))
	c.step()
	c.flushWrites(context.Background())
	require.Equal(t, StateStanding, c.Status().State)
	written := writer.count()
	anglesBefore := c.body.JointAngles()

	// A body pose far outside the leg envelope; every standing tick is
	// rejected until the failure budget runs out.
	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{Y: -1000}}}))
	for i := 0; i < c.cfg.MaxSolveFailures; i++ {
		c.step()
		c.flushWrites(context.Background())
	}

	assert.Equal(t, StateResting, c.Status().State)
	assert.Equal(t, anglesBefore, c.body.JointAngles())
	assert.Equal(t, written, writer.count())

	status := c.Status()
	require.NotNil(t, status.Failure)
	assert.Equal(t, kinematics.AxisRadial, status.Failure.Axis)
}

func TestHardwareWriteFailureIsRecoverable(t *testing.T) {
	c, writer := newTestController(t)

	writer.setErr(errors.New("bus timeout"))
	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{X: 5}}}))
	c.step()
	c.flushWrites(context.Background())

	assert.Equal(t, 0, writer.count())
	assert.Equal(t, "bus timeout", c.Status().HardwareError)

	// The controller keeps running; the next tick's write succeeds.
	writer.setErr(nil)
	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{X: 6}}}))
	c.step()
	c.flushWrites(context.Background())

	assert.Equal(t, 1, writer.count())
	assert.Empty(t, c.Status().HardwareError)
}

func TestStartAndClose(t *testing.T) {
	writer := &fakeWriter{}
	mock := clock.NewMock()
	cfg := testConfig(t)
	cfg.Clock = mock

	c, err := New(cfg, testBody(t), writer, logging.NewTestLogger(t))
	require.NoError(t, err)
	c.Start()

	require.NoError(t, c.Offer(Command{Pose: &PoseCommand{Position: r3.Vector{X: 5}}}))
	mock.Add(cfg.TickInterval)

	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Tick >= 1 && s.State == StateStanding
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return writer.count() >= 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
}
