// Package wheel holds the per-side spin-up state machine: full open-loop
// drive until the wheel nears its target, closed-loop speed control from
// there, and a return to open loop if the wheel is dragged well below target.
package wheel

import (
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/pid"
)

const (
	// Fraction of target at which open-loop drive hands over to the speed
	// loop.
	PIDThreshold = 0.80
	// Fraction of target below which the speed loop gives up and full drive
	// resumes.
	VbusThreshold = 0.60

	DefaultOpenLoopOutput = 1.0
)

type Mode int

const (
	ModeStopped Mode = iota
	ModeOpenLoop
	ModeClosedLoop
)

func (m Mode) String() string {
	switch m {
	case ModeStopped:
		return "STOPPED"
	case ModeOpenLoop:
		return "OPEN_LOOP"
	case ModeClosedLoop:
		return "CLOSED_LOOP"
	}
	return "UNKNOWN"
}

type Feedback string

const (
	FeedbackController Feedback = "controller"
	FeedbackTachometer Feedback = "tachometer"
)

type Config struct {
	Name string
	// Event log channel for side-wide events (START, STOP, SPEED).
	LogChannel uint32
	// Event log channels for the per-motor events.
	PrimaryChannel   uint32
	SecondaryChannel uint32

	OpenLoopOutput float64
	Feedback       Feedback
}

// Side is one wheel pair.  The secondary actuator carries the speed loop; the
// primary, if present, only ever runs open loop.  A Side is not safe for
// concurrent use.
type Side struct {
	cfg       Config
	primary   actuator.Interface
	secondary actuator.Interface
	tach      pid.Source
	log       *eventlog.EventLog

	mode     Mode
	target   float64
	measured float64
	applied  pid.Gains
	faults   uint64
}

// New creates a stopped side.  primary may be nil for single-motor sides.
// tach is required when cfg.Feedback is FeedbackTachometer.
func New(cfg Config, primary, secondary actuator.Interface, tach pid.Source, elog *eventlog.EventLog) (*Side, error) {
	if secondary == nil {
		return nil, errors.Errorf("side %q has no secondary actuator", cfg.Name)
	}
	switch cfg.Feedback {
	case "":
		cfg.Feedback = FeedbackController
	case FeedbackController:
	case FeedbackTachometer:
		if tach == nil {
			return nil, errors.Errorf("side %q uses tachometer feedback but has no tachometer", cfg.Name)
		}
	default:
		return nil, errors.Errorf("side %q: unknown feedback %q", cfg.Name, cfg.Feedback)
	}
	if cfg.OpenLoopOutput == 0 {
		cfg.OpenLoopOutput = DefaultOpenLoopOutput
	}
	cfg.OpenLoopOutput = actuator.Clamp(cfg.OpenLoopOutput)
	return &Side{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		tach:      tach,
		log:       elog,
	}, nil
}

func (s *Side) Name() string {
	return s.cfg.Name
}

func (s *Side) Mode() Mode {
	return s.mode
}

func (s *Side) Target() float64 {
	return s.target
}

// MeasuredSpeed is the speed read at the last poll.
func (s *Side) MeasuredSpeed() float64 {
	return s.measured
}

// Faults counts actuator operations that have failed.
func (s *Side) Faults() uint64 {
	return s.faults
}

// Start begins open-loop spin-up.  It does nothing if the side is already
// running.
func (s *Side) Start(target float64) {
	if s.mode != ModeStopped {
		return
	}
	s.target = target
	s.logEvent(eventlog.KindStart, s.cfg.LogChannel, target)
	log.Info().Str("side", s.cfg.Name).Float64("target", target).Msg("Spinning up")
	s.enterOpenLoop()
}

// Stop disables both motors.
func (s *Side) Stop() {
	s.check(s.secondary.Disable(), "disable secondary")
	if s.primary != nil {
		s.check(s.primary.Disable(), "disable primary")
	}
	if s.mode == ModeStopped {
		return
	}
	s.mode = ModeStopped
	s.logEvent(eventlog.KindStop, s.cfg.LogChannel, s.measured)
	s.logModes()
	log.Info().Str("side", s.cfg.Name).Msg("Stopped")
}

// Poll samples the wheel speed and runs one step of the mode machine against
// the given target.
func (s *Side) Poll(target float64, gains pid.Gains) {
	s.target = target

	measured, ok := s.readSpeed()
	if ok {
		s.measured = measured
		s.logEvent(eventlog.KindSpeed, s.cfg.LogChannel, measured)
	}
	if amps, err := s.secondary.GetCurrentDraw(); err != nil {
		s.check(err, "read current")
	} else {
		s.logEvent(eventlog.KindCurrent, s.cfg.SecondaryChannel, amps*1000)
	}

	switch s.mode {
	case ModeStopped:
		return
	case ModeOpenLoop:
		if ok && s.measured >= target*PIDThreshold {
			s.enterClosedLoop(gains)
			return
		}
		s.driveOpenLoop()
	case ModeClosedLoop:
		if ok && s.measured < target*VbusThreshold {
			s.enterOpenLoop()
			return
		}
		s.check(s.secondary.SetClosedLoopTarget(target), "set target")
	}
}

// ApplyGains pushes changed gains to the speed loop.  Nothing is sent unless
// the side is in closed-loop mode.
func (s *Side) ApplyGains(gains pid.Gains) {
	if s.mode != ModeClosedLoop || gains == s.applied {
		return
	}
	if s.check(s.secondary.EnableClosedLoop(gains), "update gains") {
		s.applied = gains
		log.Debug().Str("side", s.cfg.Name).Interface("gains", gains).Msg("Gains updated")
	}
}

func (s *Side) readSpeed() (float64, bool) {
	if s.cfg.Feedback == FeedbackTachometer {
		return s.tach.Rate(), true
	}
	rpm, err := s.secondary.GetMeasuredRate()
	if err != nil {
		s.check(err, "read speed")
		return 0, false
	}
	return rpm, true
}

func (s *Side) enterOpenLoop() {
	s.mode = ModeOpenLoop
	s.driveOpenLoop()
	s.logModes()
}

func (s *Side) driveOpenLoop() {
	if s.primary != nil {
		s.check(s.primary.SetOpenLoopOutput(s.cfg.OpenLoopOutput), "primary output")
	}
	s.check(s.secondary.SetOpenLoopOutput(s.cfg.OpenLoopOutput), "secondary output")
}

func (s *Side) enterClosedLoop(gains pid.Gains) {
	s.mode = ModeClosedLoop
	if s.primary != nil {
		s.check(s.primary.SetOpenLoopOutput(0), "zero primary")
	}
	if s.check(s.secondary.EnableClosedLoop(gains), "enable speed loop") {
		s.applied = gains
	}
	s.check(s.secondary.SetClosedLoopTarget(s.target), "set target")
	s.logModes()
	log.Info().Str("side", s.cfg.Name).Float64("rpm", s.measured).Msg("Speed loop engaged")
}

func (s *Side) logModes() {
	if s.primary != nil {
		s.logEvent(eventlog.KindMode, s.cfg.PrimaryChannel, float64(s.mode))
	}
	s.logEvent(eventlog.KindMode, s.cfg.SecondaryChannel, float64(s.mode))
}

func (s *Side) logEvent(kind eventlog.Kind, channel uint32, v float64) {
	if s.log == nil {
		return
	}
	s.log.Log(kind, channel, eventValue(v))
}

// eventValue rounds to the nearest whole unit, saturating at the limits of
// the record field.
func eventValue(v float64) uint32 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(math.Round(v))
}

// check records a failed actuator operation.  It reports whether err is nil.
func (s *Side) check(err error, op string) bool {
	if err == nil {
		return true
	}
	s.faults++
	log.Warn().Err(err).Str("side", s.cfg.Name).Str("op", op).Msg("Actuator operation failed")
	return false
}
