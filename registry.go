package spotmicro

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hipsterbrown/feetech-servo"
	"github.com/pkg/errors"
)

type busEntry struct {
	driver      *ServoDriver
	config      *Config
	calibration RobotCalibration
	refCount    int64 // Atomic reference counter
	lastError   error
	mu          sync.Mutex
}

// BusRegistry shares one serial bus per port between components. A
// second component on the same port reuses the open bus instead of
// fighting over the device node.
type BusRegistry struct {
	entries map[string]*busEntry // port path -> entry
	mu      sync.RWMutex
}

var sharedRegistry = NewBusRegistry()

func NewBusRegistry() *BusRegistry {
	return &BusRegistry{
		entries: make(map[string]*busEntry),
	}
}

func (r *BusRegistry) GetDriver(portPath string, config *Config, calibration RobotCalibration, fromFile bool) (*ServoDriver, error) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if exists {
		return r.getExistingDriver(entry, config, calibration, fromFile)
	}
	return r.createNewDriver(portPath, config, calibration, fromFile)
}

func (r *BusRegistry) getExistingDriver(entry *busEntry, config *Config, calibration RobotCalibration, fromFile bool) (*ServoDriver, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.driver == nil {
		if entry.lastError != nil {
			return nil, errors.Wrap(entry.lastError, "cached bus creation error")
		}
		return nil, errors.Errorf("bus not available for port %s", config.Port)
	}

	if !configsEqual(entry.config, config) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, errors.Errorf("conflict: existing bus uses different config (refCount: %d)", currentRefCount)
	}

	// Only replace the live calibration when a file explicitly provided
	// one; defaults must never clobber a calibrated bus.
	if fromFile && !calibrationsEqual(entry.calibration, calibration) {
		if config.Logger != nil {
			config.Logger.Info("updating bus calibration")
		}
		for id, cal := range calibration.ServoMap() {
			entry.driver.bus.SetCalibration(id, cal)
		}
		entry.driver.setCalibration(calibration)
		entry.calibration = calibration
	}

	atomic.AddInt64(&entry.refCount, 1)

	return newServoDriver(entry.driver.bus, entry.driver.servos, entry.calibration, config.Logger), nil
}

func (r *BusRegistry) createNewDriver(portPath string, config *Config, calibration RobotCalibration, fromFile bool) (*ServoDriver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[portPath]; exists {
		return r.getExistingDriver(entry, config, calibration, fromFile)
	}

	entry := &busEntry{
		config:      config,
		calibration: calibration,
	}

	busConfig := feetech.BusConfig{
		Port:         config.Port,
		Baudrate:     config.Baudrate,
		Protocol:     feetech.ProtocolV0,
		Timeout:      config.Timeout,
		Calibrations: calibration.ServoMap(),
	}
	if busConfig.Timeout == 0 {
		busConfig.Timeout = time.Second
	}
	if busConfig.Baudrate == 0 {
		busConfig.Baudrate = 1000000
	}

	bus, err := feetech.NewBus(busConfig)
	if err != nil {
		entry.lastError = err
		r.entries[portPath] = entry
		return nil, errors.Wrap(err, "failed to create feetech servo bus")
	}

	servos := make(map[int]*feetech.Servo, len(jointNames))
	for id := 1; id <= len(jointNames); id++ {
		servo, err := bus.ServoWithModel(id, "sts3215")
		if err != nil {
			bus.Close()
			entry.lastError = err
			r.entries[portPath] = entry
			return nil, errors.Wrapf(err, "failed to create servo %d", id)
		}
		servos[id] = servo
	}

	entry.driver = newServoDriver(bus, servos, calibration, config.Logger)
	entry.lastError = nil
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[portPath] = entry

	if config.Logger != nil {
		config.Logger.Infof("created feetech servo bus with %d servos for port %s", len(servos), portPath)
	}

	return newServoDriver(bus, servos, calibration, config.Logger), nil
}

func (r *BusRegistry) ReleaseDriver(portPath string) {
	// Lock order is registry then entry, same as createNewDriver.
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if !exists {
		r.mu.Unlock()
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	currentRefCount := atomic.AddInt64(&entry.refCount, -1)
	if currentRefCount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, portPath)
	r.mu.Unlock()

	if entry.driver != nil && entry.driver.bus != nil {
		if err := entry.driver.bus.Close(); err != nil && entry.config != nil && entry.config.Logger != nil {
			entry.config.Logger.Warnf("error closing shared bus for port %s: %v", portPath, err)
		}
	}

	entry.driver = nil
	entry.config = nil
	entry.calibration = RobotCalibration{}
	atomic.StoreInt64(&entry.refCount, 0)
	entry.lastError = nil
}

func (r *BusRegistry) ForceCloseDriver(portPath string) error {
	r.mu.Lock()
	entry, exists := r.entries[portPath]
	if exists {
		delete(r.entries, portPath)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.driver != nil {
		err = entry.driver.bus.Close()
		entry.driver = nil
		entry.config = nil
		entry.calibration = RobotCalibration{}
		atomic.StoreInt64(&entry.refCount, 0)
		entry.lastError = nil
	}
	return err
}

// Status reports the refcount, liveness and a config summary for one
// port.
func (r *BusRegistry) Status(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	hasDriver := entry.driver != nil
	configSummary := ""
	if entry.config != nil {
		configSummary = "Serial: " + entry.config.Port
	}
	return currentRefCount, hasDriver, configSummary
}

// Compare configs for bus compatibility.
func configsEqual(a, b *Config) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout
}

func calibrationsEqual(a, b RobotCalibration) bool {
	if len(a.Joints) != len(b.Joints) {
		return false
	}
	for name, ac := range a.Joints {
		bc, ok := b.Joints[name]
		if !ok {
			return false
		}
		if !motorCalibrationsEqual(ac, bc) {
			return false
		}
	}
	return true
}

func motorCalibrationsEqual(a, b *feetech.MotorCalibration) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.ID == b.ID &&
		a.DriveMode == b.DriveMode &&
		a.HomingOffset == b.HomingOffset &&
		a.RangeMin == b.RangeMin &&
		a.RangeMax == b.RangeMax &&
		a.NormMode == b.NormMode
}
