// Package spinner schedules the wheel sides of a shooter.  Each call to
// RunOnce advances a phase counter; one phase per period refreshes the loop
// gains and each side gets its own phase for sensing and mode changes, so no
// tick does more than one side's worth of bus traffic.
package spinner

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

const (
	// 480ms at the usual 20ms tick.
	DefaultPeriod = 24

	DefaultMaxSpeed = 3500

	gainPhase = 0
)

var ErrTooManySides = errors.New("spinner: more sides than schedule phases")

// SetpointSource supplies the operator's target speed for a side.
type SetpointSource interface {
	Setpoint(side string) float64
}

// GainSource supplies the current speed loop gains.
type GainSource interface {
	Gains() pid.Gains
}

type Options struct {
	Period   int
	MaxSpeed float64
}

type slot struct {
	side     *wheel.Side
	phase    int
	setpoint float64
}

// Status is a snapshot of one side.
type Status struct {
	Name     string
	Mode     wheel.Mode
	Target   float64
	Measured float64
	Faults   uint64
}

type Controller struct {
	log       *eventlog.EventLog
	setpoints SetpointSource
	gains     GainSource
	period    int
	maxSpeed  float64

	lock     sync.Mutex
	slots    []*slot
	tick     int
	lastGood pid.Gains
}

func New(elog *eventlog.EventLog, sides []*wheel.Side, setpoints SetpointSource, gains GainSource, opts Options) (*Controller, error) {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = DefaultMaxSpeed
	}
	if len(sides) >= opts.Period {
		return nil, errors.Wrapf(ErrTooManySides, "%d sides, period %d", len(sides), opts.Period)
	}
	if elog == nil {
		return nil, errors.New("spinner: event log is required")
	}
	if setpoints == nil || gains == nil {
		return nil, errors.New("spinner: setpoint and gain sources are required")
	}
	c := &Controller{
		log:       elog,
		setpoints: setpoints,
		gains:     gains,
		period:    opts.Period,
		maxSpeed:  opts.MaxSpeed,
	}
	for i, s := range sides {
		c.slots = append(c.slots, &slot{
			side:  s,
			phase: Phase(i, len(sides), opts.Period),
		})
	}
	return c, nil
}

// Phase returns the schedule phase of side i out of n.  Sides are spread
// evenly through the period after the gain refresh at phase 0.
func Phase(i, n, period int) int {
	return (i + 1) * period / (n + 1)
}

func (c *Controller) Period() int {
	return c.period
}

// Init sizes the event log.  Later calls have no effect.
func (c *Controller) Init(logCapacity int) {
	c.log.Init(logCapacity)
}

// Start begins spin-up of every side.
func (c *Controller) Start() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, sl := range c.slots {
		sl.side.Start(c.setpointLocked(sl))
	}
}

// Stop disables every side.
func (c *Controller) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, sl := range c.slots {
		sl.side.Stop()
	}
}

// RunOnce performs the work due in the current phase and advances the
// phase.
func (c *Controller) RunOnce() {
	c.lock.Lock()
	defer c.lock.Unlock()

	phase := c.tick
	c.tick = (c.tick + 1) % c.period

	if phase == gainPhase {
		g := c.gainsLocked()
		for _, sl := range c.slots {
			sl.side.ApplyGains(g)
		}
		return
	}
	for _, sl := range c.slots {
		if sl.phase == phase {
			sl.side.Poll(c.setpointLocked(sl), c.gainsLocked())
		}
	}
}

// Dump writes the event log to path.
func (c *Controller) Dump(path string) error {
	return c.log.Dump(path)
}

func (c *Controller) Status() []Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]Status, 0, len(c.slots))
	for _, sl := range c.slots {
		out = append(out, Status{
			Name:     sl.side.Name(),
			Mode:     sl.side.Mode(),
			Target:   sl.side.Target(),
			Measured: sl.side.MeasuredSpeed(),
			Faults:   sl.side.Faults(),
		})
	}
	return out
}

// setpointLocked reads the side's setpoint.  Unusable readings leave the
// previous setpoint in force; usable ones are limited to the safe range.
func (c *Controller) setpointLocked(sl *slot) float64 {
	v := c.setpoints.Setpoint(sl.side.Name())
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		log.Warn().Str("side", sl.side.Name()).Float64("setpoint", v).
			Float64("holding", sl.setpoint).Msg("Ignoring bad setpoint")
		return sl.setpoint
	}
	if v > c.maxSpeed {
		v = c.maxSpeed
	}
	sl.setpoint = v
	return v
}

func (c *Controller) gainsLocked() pid.Gains {
	g := c.gains.Gains()
	if !g.Valid() {
		log.Warn().Interface("gains", g).Msg("Ignoring bad gains")
		return c.lastGood
	}
	c.lastGood = g
	return g
}
