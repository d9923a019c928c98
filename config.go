package spotmicro

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/hipsterbrown/feetech-servo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"spotmicro/gait"
	"spotmicro/kinematics"
	"spotmicro/motion"
)

// Config is the robot configuration as it arrives from the machine
// config JSON. Geometry is in millimeters, angles in radians.
type Config struct {
	Port     string        `json:"port"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	CalibrationFile string `json:"calibration_file,omitempty"`

	BodyLengthMM     float64    `json:"body_length_mm,omitempty"`
	BodyWidthMM      float64    `json:"body_width_mm,omitempty"`
	FemurMM          float64    `json:"femur_mm,omitempty"`
	TibiaMM          float64    `json:"tibia_mm,omitempty"`
	ShoulderOffsetMM [3]float64 `json:"shoulder_offset_mm,omitempty"`

	// HipTrimRad holds per-leg hip corrections keyed by leg name
	// ("front_left", ...). Mechanical slop differs per leg, so the
	// correction is configuration rather than a constant.
	HipTrimRad map[string]float64 `json:"hip_trim_rad,omitempty"`

	JointLimits *JointLimitsConfig `json:"joint_limits,omitempty"`

	StandHeightMM  float64 `json:"stand_height_mm,omitempty"`
	CrouchHeightMM float64 `json:"crouch_height_mm,omitempty"`

	TickMS           int `json:"tick_ms,omitempty"`
	MaxSolveFailures int `json:"max_solve_failures,omitempty"`
	RestMS           int `json:"rest_ms,omitempty"`

	Gaits       map[string]GaitConfig `json:"gaits,omitempty"`
	DefaultGait string                `json:"default_gait,omitempty"`

	MaxForwardMMPerSec float64 `json:"max_forward_mm_per_sec,omitempty"`
	MaxLateralMMPerSec float64 `json:"max_lateral_mm_per_sec,omitempty"`
	MaxYawDegPerSec    float64 `json:"max_yaw_deg_per_sec,omitempty"`

	// Not serialized
	Logger logging.Logger `json:"-"`
}

// JointLimitsConfig is the [min, max] sweep for each joint in radians,
// shared by all four legs.
type JointLimitsConfig struct {
	Shoulder [2]float64 `json:"shoulder"`
	Hip      [2]float64 `json:"hip"`
	Knee     [2]float64 `json:"knee"`
}

// GaitConfig is one named gait mode.
type GaitConfig struct {
	KeyframesMM  [][3]float64 `json:"keyframes_mm"`
	PhaseOffsets [4]float64   `json:"phase_offsets"`
	CycleMS      int          `json:"cycle_ms"`
}

// InvalidConfigError names the field that made a config unusable.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "invalid config field " + e.Field + ": " + e.Reason
}

func defaultGaits() map[string]GaitConfig {
	step := [][3]float64{
		{0, 0, 0},
		{-25, 0, 0},
		{-25, -30, 0},
		{25, -30, 0},
		{25, 0, 0},
	}
	return map[string]GaitConfig{
		"trot": {
			KeyframesMM:  step,
			PhaseOffsets: [4]float64{0, 0.5, 0.5, 0},
			CycleMS:      600,
		},
		"crawl": {
			KeyframesMM:  step,
			PhaseOffsets: [4]float64{0, 0.5, 0.25, 0.75},
			CycleMS:      1200,
		},
	}
}

// Validate checks the config and fills defaults. The defaults describe
// the stock 12-servo chassis; only the serial port is mandatory.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, &InvalidConfigError{Field: "port", Reason: "serial port must be specified"}
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	if cfg.BodyLengthMM == 0 {
		cfg.BodyLengthMM = 186
	}
	if cfg.BodyWidthMM == 0 {
		cfg.BodyWidthMM = 78
	}
	if cfg.FemurMM == 0 {
		cfg.FemurMM = 110
	}
	if cfg.TibiaMM == 0 {
		cfg.TibiaMM = 130
	}
	if cfg.ShoulderOffsetMM == [3]float64{} {
		cfg.ShoulderOffsetMM = [3]float64{28.5, 58.5, -10}
	}
	if cfg.FemurMM <= 0 || cfg.TibiaMM <= 0 {
		return nil, nil, &InvalidConfigError{Field: "femur_mm", Reason: "link lengths must be positive"}
	}

	for name := range cfg.HipTrimRad {
		if _, err := legIDByName(name); err != nil {
			return nil, nil, &InvalidConfigError{Field: "hip_trim_rad", Reason: err.Error()}
		}
	}

	if cfg.JointLimits == nil {
		cfg.JointLimits = &JointLimitsConfig{
			Shoulder: [2]float64{-1.571, 1.571},
			Hip:      [2]float64{-1.571, 3.142},
			Knee:     [2]float64{0, 3.142},
		}
	}
	for _, lim := range []struct {
		name string
		r    [2]float64
	}{
		{"shoulder", cfg.JointLimits.Shoulder},
		{"hip", cfg.JointLimits.Hip},
		{"knee", cfg.JointLimits.Knee},
	} {
		if lim.r[0] >= lim.r[1] {
			return nil, nil, &InvalidConfigError{Field: "joint_limits." + lim.name, Reason: "min must be below max"}
		}
	}

	if cfg.StandHeightMM == 0 {
		cfg.StandHeightMM = 155
	}
	if cfg.CrouchHeightMM == 0 {
		cfg.CrouchHeightMM = 83
	}
	if cfg.CrouchHeightMM <= 0 || cfg.CrouchHeightMM >= cfg.StandHeightMM {
		return nil, nil, &InvalidConfigError{
			Field:  "crouch_height_mm",
			Reason: "must be positive and below stand_height_mm",
		}
	}

	if cfg.TickMS == 0 {
		cfg.TickMS = 20
	}
	if cfg.MaxSolveFailures == 0 {
		cfg.MaxSolveFailures = 5
	}
	if cfg.RestMS == 0 {
		cfg.RestMS = 1000
	}

	if len(cfg.Gaits) == 0 {
		cfg.Gaits = defaultGaits()
	}
	if cfg.DefaultGait == "" {
		cfg.DefaultGait = "trot"
	}
	if _, ok := cfg.Gaits[cfg.DefaultGait]; !ok {
		return nil, nil, &InvalidConfigError{Field: "default_gait", Reason: "names no configured gait"}
	}

	if cfg.MaxForwardMMPerSec == 0 {
		cfg.MaxForwardMMPerSec = 120
	}
	if cfg.MaxLateralMMPerSec == 0 {
		cfg.MaxLateralMMPerSec = 60
	}
	if cfg.MaxYawDegPerSec == 0 {
		cfg.MaxYawDegPerSec = 30
	}

	return nil, nil, nil
}

func legIDByName(name string) (kinematics.LegID, error) {
	for i := 0; i < kinematics.NumLegs; i++ {
		if kinematics.LegID(i).String() == name {
			return kinematics.LegID(i), nil
		}
	}
	return 0, errors.Errorf("unknown leg name %q", name)
}

func (cfg *Config) linkLengths() kinematics.LinkLengths {
	return kinematics.LinkLengths{
		Femur: cfg.FemurMM,
		Tibia: cfg.TibiaMM,
		ShoulderOffset: r3.Vector{
			X: cfg.ShoulderOffsetMM[0],
			Y: cfg.ShoulderOffsetMM[1],
			Z: cfg.ShoulderOffsetMM[2],
		},
	}
}

func (cfg *Config) jointRanges() kinematics.JointRanges {
	return kinematics.JointRanges{
		Shoulder: kinematics.AngleRange{Min: cfg.JointLimits.Shoulder[0], Max: cfg.JointLimits.Shoulder[1]},
		Hip:      kinematics.AngleRange{Min: cfg.JointLimits.Hip[0], Max: cfg.JointLimits.Hip[1]},
		Knee:     kinematics.AngleRange{Min: cfg.JointLimits.Knee[0], Max: cfg.JointLimits.Knee[1]},
	}
}

// buildBody assembles the four leg solvers and seeds the startup
// stance: every foot directly below its shoulder at stand height.
func (cfg *Config) buildBody() (*kinematics.Body, error) {
	links := cfg.linkLengths()
	ranges := cfg.jointRanges()

	var legs [kinematics.NumLegs]*kinematics.LegState
	for i := 0; i < kinematics.NumLegs; i++ {
		id := kinematics.LegID(i)
		leg, err := kinematics.NewLegState(id, links, ranges, cfg.HipTrimRad[id.String()])
		if err != nil {
			return nil, errors.Wrapf(err, "leg %s", id)
		}
		legs[i] = leg
	}

	geometry := kinematics.BodyGeometry{Length: cfg.BodyLengthMM, Width: cfg.BodyWidthMM}
	var initial kinematics.BodyState
	for i := 0; i < kinematics.NumLegs; i++ {
		m := geometry.MountPoint(kinematics.LegID(i))
		initial.Feet[i] = r3.Vector{X: m.X, Y: cfg.StandHeightMM, Z: m.Z}
	}
	return kinematics.NewBody(geometry, legs, initial)
}

func (cfg *Config) buildGaits() (map[string]*gait.Generator, error) {
	out := make(map[string]*gait.Generator, len(cfg.Gaits))
	for name, gc := range cfg.Gaits {
		keyframes := make([]r3.Vector, len(gc.KeyframesMM))
		for i, kf := range gc.KeyframesMM {
			keyframes[i] = r3.Vector{X: kf[0], Y: kf[1], Z: kf[2]}
		}
		gen, err := gait.NewGenerator(gait.Config{
			Keyframes:     keyframes,
			PhaseOffsets:  gc.PhaseOffsets,
			CycleDuration: time.Duration(gc.CycleMS) * time.Millisecond,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "gait %q", name)
		}
		out[name] = gen
	}
	return out, nil
}

func (cfg *Config) motionConfig(gaits map[string]*gait.Generator) motion.Config {
	return motion.Config{
		TickInterval:     time.Duration(cfg.TickMS) * time.Millisecond,
		MaxSolveFailures: cfg.MaxSolveFailures,
		RestDuration:     time.Duration(cfg.RestMS) * time.Millisecond,
		StandHeight:      cfg.StandHeightMM,
		CrouchHeight:     cfg.CrouchHeightMM,
		Gaits:            gaits,
		DefaultGait:      cfg.DefaultGait,
	}
}

// jointNames lists the twelve joints in servo ID order: IDs 1 through
// 12, three per leg, legs in front-left, front-right, rear-left,
// rear-right order.
var jointNames = [12]string{
	"front_left_shoulder", "front_left_hip", "front_left_knee",
	"front_right_shoulder", "front_right_hip", "front_right_knee",
	"rear_left_shoulder", "rear_left_hip", "rear_left_knee",
	"rear_right_shoulder", "rear_right_hip", "rear_right_knee",
}

// RobotCalibration holds the per-servo calibration keyed by joint name.
type RobotCalibration struct {
	Joints map[string]*feetech.MotorCalibration `json:"joints"`
}

// DefaultCalibration returns the factory-neutral calibration: full
// travel, no homing offset, degree normalization.
func DefaultCalibration() RobotCalibration {
	joints := make(map[string]*feetech.MotorCalibration, len(jointNames))
	for i, name := range jointNames {
		joints[name] = &feetech.MotorCalibration{
			ID: i + 1, DriveMode: 0, HomingOffset: 0,
			RangeMin: 500, RangeMax: 3500,
			NormMode: feetech.NormModeDegrees,
		}
	}
	return RobotCalibration{Joints: joints}
}

// Validate checks that every joint is present and sane.
func (cal RobotCalibration) Validate() error {
	for _, name := range jointNames {
		mc, ok := cal.Joints[name]
		if !ok || mc == nil {
			return errors.Errorf("joint %s: calibration missing", name)
		}
		if err := mc.Validate(); err != nil {
			return errors.Wrapf(err, "joint %s", name)
		}
	}
	return nil
}

// ServoMap converts the calibration to the servo-ID keyed form the bus
// wants.
func (cal RobotCalibration) ServoMap() map[int]*feetech.MotorCalibration {
	out := make(map[int]*feetech.MotorCalibration, len(cal.Joints))
	for _, mc := range cal.Joints {
		if mc != nil {
			out[mc.ID] = mc
		}
	}
	return out
}

// ByID returns the calibration for one servo ID, or nil.
func (cal RobotCalibration) ByID(servoID int) *feetech.MotorCalibration {
	for _, mc := range cal.Joints {
		if mc != nil && mc.ID == servoID {
			return mc
		}
	}
	return nil
}

// LoadCalibrationFromFile reads and validates a calibration JSON file.
// Joints absent from the file fall back to the default calibration.
func LoadCalibrationFromFile(filePath string) (RobotCalibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return RobotCalibration{}, errors.Wrap(err, "failed to read calibration file")
	}

	cal := DefaultCalibration()
	var fromFile RobotCalibration
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return RobotCalibration{}, errors.Wrap(err, "failed to parse calibration JSON")
	}
	for name, mc := range fromFile.Joints {
		if mc != nil {
			cal.Joints[name] = mc
		}
	}

	if err := cal.Validate(); err != nil {
		return RobotCalibration{}, errors.Wrap(err, "calibration validation failed")
	}
	return cal, nil
}

// SaveCalibrationToFile writes the calibration as indented JSON.
func SaveCalibrationToFile(filePath string, cal RobotCalibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration")
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write calibration file")
	}
	return nil
}

// LoadCalibration resolves the configured calibration file, falling
// back to defaults when no file is configured or it cannot be read.
// The boolean reports whether a file was actually loaded.
func (cfg *Config) LoadCalibration(logger logging.Logger) (RobotCalibration, bool) {
	if cfg.CalibrationFile == "" {
		if logger != nil {
			logger.Debug("no calibration file specified, using default calibration")
		}
		return DefaultCalibration(), false
	}

	// Relative paths resolve against the module data directory.
	file := cfg.CalibrationFile
	if !filepath.IsAbs(file) {
		moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
		if moduleDataDir == "" {
			moduleDataDir = "/tmp"
		}
		file = filepath.Join(moduleDataDir, file)
	}

	cal, err := LoadCalibrationFromFile(file)
	if err != nil {
		if logger != nil {
			logger.Warnf("failed to load calibration from %s: %v, using default calibration", file, err)
		}
		return DefaultCalibration(), false
	}
	if logger != nil {
		logger.Infof("loaded calibration from %s", file)
	}
	return cal, true
}
