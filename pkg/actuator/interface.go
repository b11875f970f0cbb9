package actuator

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/pid"
)

// Interface is one motor channel.  Rates are in RPM, open-loop output is a
// fraction of bus voltage in [-1, 1] and current is in amps.
type Interface interface {
	SetOpenLoopOutput(fraction float64) error
	SetClosedLoopTarget(rpm float64) error
	// EnableClosedLoop switches the channel to speed control with the given
	// gains.  On a channel that is already closed-loop it only updates the
	// gains.
	EnableClosedLoop(gains pid.Gains) error
	Disable() error
	GetMeasuredRate() (float64, error)
	GetCurrentDraw() (float64, error)
}

// DriveMode is what a channel was last told to do.
type DriveMode int

const (
	DriveOff DriveMode = iota
	DriveOpenLoop
	DriveClosedLoop
)

// DummyActuator accepts every command, remembers it and reports whatever
// rate and current it has been given.
type DummyActuator struct {
	name string

	lock    sync.Mutex
	mode    DriveMode
	output  float64
	target  float64
	gains   pid.Gains
	rate    float64
	current float64
	err     error
	calls   map[string]int
}

var _ Interface = (*DummyActuator)(nil)

func Dummy(name string) *DummyActuator {
	return &DummyActuator{name: name, calls: map[string]int{}}
}

func (d *DummyActuator) call(op string) error {
	d.calls[op]++
	return d.err
}

func (d *DummyActuator) SetOpenLoopOutput(fraction float64) error {
	log.Debug().Str("actuator", d.name).Float64("fraction", fraction).Msg("DACT: SetOpenLoopOutput")
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mode = DriveOpenLoop
	d.output = Clamp(fraction)
	return d.call("SetOpenLoopOutput")
}

func (d *DummyActuator) SetClosedLoopTarget(rpm float64) error {
	log.Debug().Str("actuator", d.name).Float64("rpm", rpm).Msg("DACT: SetClosedLoopTarget")
	d.lock.Lock()
	defer d.lock.Unlock()
	d.target = rpm
	return d.call("SetClosedLoopTarget")
}

func (d *DummyActuator) EnableClosedLoop(gains pid.Gains) error {
	log.Debug().Str("actuator", d.name).Interface("gains", gains).Msg("DACT: EnableClosedLoop")
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mode = DriveClosedLoop
	d.gains = gains
	return d.call("EnableClosedLoop")
}

func (d *DummyActuator) Disable() error {
	log.Debug().Str("actuator", d.name).Msg("DACT: Disable")
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mode = DriveOff
	d.output = 0
	return d.call("Disable")
}

func (d *DummyActuator) GetMeasuredRate() (float64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.rate, d.call("GetMeasuredRate")
}

func (d *DummyActuator) GetCurrentDraw() (float64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.current, d.call("GetCurrentDraw")
}

// SetRate sets the speed that GetMeasuredRate reports.
func (d *DummyActuator) SetRate(rpm float64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.rate = rpm
}

func (d *DummyActuator) SetCurrent(amps float64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.current = amps
}

// FailWith makes every subsequent call return err (nil to recover).
func (d *DummyActuator) FailWith(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.err = err
}

func (d *DummyActuator) DriveMode() DriveMode {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.mode
}

func (d *DummyActuator) Output() float64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.output
}

func (d *DummyActuator) Target() float64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.target
}

func (d *DummyActuator) Gains() pid.Gains {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.gains
}

// Calls returns how many times the named method has been called.
func (d *DummyActuator) Calls(op string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.calls[op]
}

// Clamp limits an open-loop fraction to [-1, 1].  NaN becomes 0.
func Clamp(fraction float64) float64 {
	if math.IsNaN(fraction) {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	if fraction < -1 {
		return -1
	}
	return fraction
}
