// Package shooter runs the spin controller at a fixed tick against a
// configured set of wheel sides, standing in for the robot's periodic
// harness.
package shooter

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/config"
	"github.com/tigerbot-team/flywheel/pkg/hardware"
	"github.com/tigerbot-team/flywheel/pkg/spinner"
	"github.com/tigerbot-team/flywheel/pkg/tunable"
)

// ConfigureLogging points the global logger at a console writer on stderr.
func ConfigureLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "bad log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
	return nil
}

type Shooter struct {
	cfg      config.Config
	hw       hardware.Interface
	tunables *tunable.Tunables
	ctrl     *spinner.Controller

	commands chan func()
}

// New builds the controller for hw.  Setpoints and gains start at their
// configured values and can be changed through Tunables.
func New(cfg config.Config, hw hardware.Interface) (*Shooter, error) {
	tn := tunable.New()
	for _, sc := range cfg.Sides {
		tn.Create(tunable.SpeedName(sc.Name), sc.Setpoint)
	}
	tn.Create(tunable.KP, cfg.Gains.P)
	tn.Create(tunable.KI, cfg.Gains.I)
	tn.Create(tunable.KD, cfg.Gains.D)

	ctrl, err := spinner.New(hw.Log(), hw.Sides(), tn, tn, spinner.Options{
		Period:   cfg.Period,
		MaxSpeed: cfg.MaxSpeed,
	})
	if err != nil {
		return nil, err
	}
	return &Shooter{
		cfg:      cfg,
		hw:       hw,
		tunables: tn,
		ctrl:     ctrl,
		commands: make(chan func()),
	}, nil
}

func (s *Shooter) Tunables() *tunable.Tunables {
	return s.tunables
}

// Do runs f on the control goroutine between ticks and waits for it.
func (s *Shooter) Do(ctx context.Context, f func(c *spinner.Controller)) error {
	done := make(chan struct{})
	select {
	case s.commands <- func() { f(s.ctrl); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks the controller until ctx is cancelled, then stops the wheels
// and dumps the event log.
func (s *Shooter) Run(ctx context.Context, autoStart bool) error {
	s.ctrl.Init(s.cfg.Log.Capacity)
	// The hardware loops outlive ctx so the wheels can still be stopped over
	// the bus once it is cancelled.  Shutdown ends them.
	s.hw.Start(context.Background())
	defer s.hw.Shutdown()

	if autoStart {
		s.ctrl.Start()
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context done, stopping wheels")
			s.ctrl.Stop()
			return s.dump(s.cfg.Log.DumpPath)
		case <-ticker.C:
			s.ctrl.RunOnce()
		case f := <-s.commands:
			f()
		case <-report.C:
			for _, st := range s.ctrl.Status() {
				log.Info().Str("side", st.Name).Stringer("mode", st.Mode).
					Float64("target", st.Target).Float64("rpm", st.Measured).
					Uint64("faults", st.Faults).Msg("Status")
			}
		}
	}
}

func (s *Shooter) dump(path string) error {
	if path == "" {
		return nil
	}
	if err := s.ctrl.Dump(path); err != nil {
		return errors.Wrap(err, "dumping event log")
	}
	log.Info().Str("path", path).Msg("Event log dumped")
	return nil
}
