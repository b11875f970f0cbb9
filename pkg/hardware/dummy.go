package hardware

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/config"
	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

// Dummy wires each configured side to actuators that only log what they are
// told.  Speeds always read zero, so sides never leave open loop.
type Dummy struct {
	log    *eventlog.EventLog
	sides  []*wheel.Side
	motors []*actuator.DummyActuator
}

var _ Interface = (*Dummy)(nil)

func NewDummy(cfg config.Config) (*Dummy, error) {
	d := &Dummy{log: eventlog.New(hwclock.Monotonic{})}
	for i, sc := range cfg.Sides {
		var primary actuator.Interface
		if sc.Primary.Type != config.ChannelNone {
			m := actuator.Dummy(sc.Name + "/primary")
			d.motors = append(d.motors, m)
			primary = m
		}
		secondary := actuator.Dummy(sc.Name + "/secondary")
		d.motors = append(d.motors, secondary)
		side, err := wheel.New(wheel.Config{
			Name:             sc.Name,
			LogChannel:       uint32(i),
			PrimaryChannel:   logChannel(sc.Primary, 2*i+1),
			SecondaryChannel: logChannel(sc.Secondary, 2*i+2),
			OpenLoopOutput:   sc.OpenLoopOutput,
			// There is no tachometer to read.
			Feedback: wheel.FeedbackController,
		}, primary, secondary, nil, d.log)
		if err != nil {
			return nil, err
		}
		d.sides = append(d.sides, side)
	}
	return d, nil
}

func (d *Dummy) Sides() []*wheel.Side {
	return d.sides
}

func (d *Dummy) Log() *eventlog.EventLog {
	return d.log
}

// Motors returns the dummy actuators in side order, primary first.
func (d *Dummy) Motors() []*actuator.DummyActuator {
	return d.motors
}

func (d *Dummy) Start(ctx context.Context) {
	log.Debug().Msg("DHW: Start")
}

func (d *Dummy) Shutdown() {
	log.Debug().Msg("DHW: Shutdown")
}
