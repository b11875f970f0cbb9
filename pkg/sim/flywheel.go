// Package sim models flywheels driven by a voltage-controlled motor so the
// controller can be exercised without hardware.  Each simulated wheel acts
// as a motor controller and drives a tachometer input.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/tachometer"
)

var ErrWrongMode = errors.New("sim: not in closed-loop mode")

type Params struct {
	// Steady-state speed at full output.
	FreeSpeedRPM float64 `yaml:"free_speed_rpm"`
	// Time to reach 63% of a step change in output.
	TimeConstant time.Duration `yaml:"time_constant"`
	StallCurrent float64       `yaml:"stall_current"`
	EdgesPerRev  int           `yaml:"edges_per_rev"`
}

var DefaultParams = Params{
	FreeSpeedRPM: 5000,
	TimeConstant: 400 * time.Millisecond,
	StallCurrent: 40,
	EdgesPerRev:  1,
}

type mode int

const (
	modeOff mode = iota
	modeOpen
	modeClosed
)

// Flywheel implements actuator.Interface.
type Flywheel struct {
	params Params
	edges  *tachometer.ManualSource

	lock   sync.Mutex
	mode   mode
	output float64
	target float64
	loop   *pid.Controller
	rpm    float64
	// Fractional progress towards the next sensor edge.
	phase float64
}

var _ actuator.Interface = (*Flywheel)(nil)

// NewFlywheel returns a stationary wheel.  edges may be nil if nothing is
// watching the wheel's sensor.
func NewFlywheel(params Params, edges *tachometer.ManualSource) *Flywheel {
	if params.EdgesPerRev < 1 {
		params.EdgesPerRev = 1
	}
	if params.FreeSpeedRPM <= 0 {
		params.FreeSpeedRPM = DefaultParams.FreeSpeedRPM
	}
	return &Flywheel{
		params: params,
		edges:  edges,
		loop:   pid.New(pid.Gains{}, -1, 1, 1),
	}
}

func (f *Flywheel) SetOpenLoopOutput(fraction float64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.mode = modeOpen
	f.output = actuator.Clamp(fraction)
	return nil
}

func (f *Flywheel) EnableClosedLoop(gains pid.Gains) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.loop.SetGains(gains)
	if f.mode != modeClosed {
		f.loop.Reset()
		f.mode = modeClosed
	}
	return nil
}

func (f *Flywheel) SetClosedLoopTarget(rpm float64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.mode != modeClosed {
		return ErrWrongMode
	}
	f.target = rpm
	return nil
}

func (f *Flywheel) Disable() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.mode = modeOff
	f.output = 0
	f.target = 0
	return nil
}

func (f *Flywheel) GetMeasuredRate() (float64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rpm, nil
}

// GetCurrentDraw models a DC motor: current falls linearly with back EMF.
func (f *Flywheel) GetCurrentDraw() (float64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return math.Abs(f.params.StallCurrent * (f.output - f.rpm/f.params.FreeSpeedRPM)), nil
}

// Output returns the drive fraction currently applied.
func (f *Flywheel) Output() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.output
}

// advance moves the model on by dt, which started at the given clock time,
// and returns the capture times of any sensor edges that occurred.
func (f *Flywheel) advance(start uint32, dt time.Duration) []uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	secs := dt.Seconds()
	if secs <= 0 {
		return nil
	}
	if f.mode == modeClosed {
		// Scale the loop so that P=1 closes a full-scale error with full
		// output.
		f.output = f.loop.Update(f.target/f.params.FreeSpeedRPM, f.rpm/f.params.FreeSpeedRPM, secs)
	}

	before := f.rpm
	steady := f.output * f.params.FreeSpeedRPM
	if tau := f.params.TimeConstant.Seconds(); tau > 0 {
		f.rpm = steady + (f.rpm-steady)*math.Exp(-secs/tau)
	} else {
		f.rpm = steady
		before = steady
	}

	// Edges per second at the mean speed over the step.
	edgeRate := math.Abs(before+f.rpm) / 2 / 60 * float64(f.params.EdgesPerRev)
	if edgeRate == 0 {
		return nil
	}
	var edges []uint32
	next := 1 - f.phase
	for travelled := edgeRate * secs; next <= travelled; next++ {
		edges = append(edges, start+uint32(math.Round(next/edgeRate*1e6)))
	}
	f.phase = math.Mod(f.phase+edgeRate*secs, 1)
	return edges
}

// World steps a set of wheels against a shared fake clock.
type World struct {
	clock *hwclock.Fake

	lock   sync.Mutex
	wheels []*Flywheel
}

func NewWorld(clock *hwclock.Fake) *World {
	return &World{clock: clock}
}

func (w *World) Clock() *hwclock.Fake {
	return w.clock
}

func (w *World) Add(f *Flywheel) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.wheels = append(w.wheels, f)
}

// Step advances every wheel and the clock by dt, then delivers the sensor
// edges that fell inside the step.
func (w *World) Step(dt time.Duration) {
	w.lock.Lock()
	wheels := w.wheels
	w.lock.Unlock()

	start := w.clock.Micros()
	pending := make([][]uint32, len(wheels))
	for i, f := range wheels {
		pending[i] = f.advance(start, dt)
	}
	w.clock.Advance(uint32(dt / time.Microsecond))
	for i, f := range wheels {
		if f.edges == nil {
			continue
		}
		for _, ts := range pending[i] {
			f.edges.Fire(ts)
		}
	}
}

// Loop steps the world in real time.
func (w *World) Loop(ctx context.Context, wg *sync.WaitGroup, dt time.Duration) {
	defer wg.Done()
	defer log.Info().Msg("Simulation loop exited")

	ticker := time.NewTicker(dt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Step(dt)
		}
	}
}
