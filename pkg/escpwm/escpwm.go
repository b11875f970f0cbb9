// Package escpwm runs a flywheel motor from a hobby ESC on a PCA9685
// channel.  The ESC has no speed loop of its own so closed-loop mode runs a
// software PID against a tachometer.
package escpwm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/ina219"
	"github.com/tigerbot-team/flywheel/pkg/pca9685"
	"github.com/tigerbot-team/flywheel/pkg/pid"
)

const LoopPeriod = 20 * time.Millisecond

var ErrWrongMode = errors.New("escpwm: not in closed-loop mode")

type mode int

const (
	modeOff mode = iota
	modeOpen
	modeClosed
)

type Config struct {
	Channel int
	// Speed at full throttle.  The PID works in RPM and its output is scaled
	// by this to give a throttle fraction.
	FullScaleRPM float64
}

// ESC implements actuator.Interface.  Reverse is not supported: negative
// open-loop output is treated as zero.
type ESC struct {
	out      pca9685.Interface
	feedback pid.Source
	current  ina219.Interface
	cfg      Config

	lock     sync.Mutex
	mode     mode
	target   float64
	throttle float64
	pid      *pid.Controller
}

var _ actuator.Interface = (*ESC)(nil)

// New returns a stopped ESC.  current may be nil.
func New(out pca9685.Interface, feedback pid.Source, current ina219.Interface, cfg Config) (*ESC, error) {
	if cfg.FullScaleRPM <= 0 {
		return nil, errors.Errorf("escpwm: full-scale RPM must be positive, not %v", cfg.FullScaleRPM)
	}
	if feedback == nil {
		return nil, errors.New("escpwm: no speed feedback")
	}
	e := &ESC{
		out:      out,
		feedback: feedback,
		current:  current,
		cfg:      cfg,
		pid:      pid.New(pid.Gains{}, 0, cfg.FullScaleRPM, cfg.FullScaleRPM),
	}
	return e, e.writeLocked(0)
}

func (e *ESC) writeLocked(throttle float64) error {
	e.throttle = throttle
	return e.out.SetThrottle(e.cfg.Channel, throttle)
}

func (e *ESC) SetOpenLoopOutput(fraction float64) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.mode = modeOpen
	return e.writeLocked(math.Max(0, actuator.Clamp(fraction)))
}

func (e *ESC) EnableClosedLoop(gains pid.Gains) error {
	if !gains.Valid() {
		return errors.Errorf("escpwm: invalid gains %+v", gains)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.pid.SetGains(gains)
	// Bound the integral so that I alone can reach full scale and no more.
	if gains.I > 0 {
		e.pid.SetIntegralLimit(e.cfg.FullScaleRPM / gains.I)
	}
	if e.mode != modeClosed {
		e.pid.Reset()
		e.mode = modeClosed
	}
	return nil
}

func (e *ESC) SetClosedLoopTarget(rpm float64) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.mode != modeClosed {
		return ErrWrongMode
	}
	e.target = rpm
	return nil
}

func (e *ESC) Disable() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.mode = modeOff
	e.target = 0
	return e.writeLocked(0)
}

func (e *ESC) GetMeasuredRate() (float64, error) {
	return e.feedback.Rate(), nil
}

func (e *ESC) GetCurrentDraw() (float64, error) {
	if e.current == nil {
		return 0, nil
	}
	return e.current.ReadCurrent()
}

// Throttle returns the fraction last written to the ESC.
func (e *ESC) Throttle() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.throttle
}

// Step runs one iteration of the speed loop.  It does nothing unless the ESC
// is in closed-loop mode.
func (e *ESC) Step(dt time.Duration) error {
	measured := e.feedback.Rate()

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.mode != modeClosed {
		return nil
	}
	out := e.pid.Update(e.target, measured, dt.Seconds())
	return e.writeLocked(out / e.cfg.FullScaleRPM)
}

func (e *ESC) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer log.Info().Int("channel", e.cfg.Channel).Msg("ESC speed loop exited")

	ticker := time.NewTicker(LoopPeriod)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			if err := e.Disable(); err != nil {
				log.Error().Err(err).Msg("Failed to stop ESC")
			}
			return
		case now := <-ticker.C:
			if err := e.Step(now.Sub(last)); err != nil {
				log.Error().Err(err).Int("channel", e.cfg.Channel).Msg("ESC write failed")
			}
			last = now
		}
	}
}
