package hardware

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/config"
	"github.com/tigerbot-team/flywheel/pkg/escpwm"
	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
	"github.com/tigerbot-team/flywheel/pkg/ina219"
	"github.com/tigerbot-team/flywheel/pkg/jaguar"
	"github.com/tigerbot-team/flywheel/pkg/mux"
	"github.com/tigerbot-team/flywheel/pkg/pca9685"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/sim"
	"github.com/tigerbot-team/flywheel/pkg/tachometer"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

type Options struct {
	// Simulate replaces every motor channel with a simulated flywheel.
	Simulate bool
}

type Hardware struct {
	cfg   config.Config
	clock hwclock.Clock
	log   *eventlog.EventLog

	sides   []*wheel.Side
	tachs   []*tachometer.Tachometer
	closers []io.Closer

	// Optional shared devices, opened on first use.
	bus   *jaguar.Bus
	mux   mux.Interface
	pwm   pca9685.Interface
	escs  []*escpwm.ESC
	world *sim.World

	cancel  context.CancelFunc
	loopsWG sync.WaitGroup
}

var _ Interface = (*Hardware)(nil)

// New opens the hardware described by cfg.  Simulated channels cannot be
// mixed with real ones since they run on a simulated clock.
func New(cfg config.Config, opts Options) (*Hardware, error) {
	simulated, err := isSimulated(cfg, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Sim.Step <= 0 {
		cfg.Sim.Step = time.Millisecond
	}
	h := &Hardware{cfg: cfg}
	if simulated {
		h.world = sim.NewWorld(hwclock.NewFake(0))
		h.clock = h.world.Clock()
	} else {
		h.clock = hwclock.Monotonic{}
	}
	h.log = eventlog.New(h.clock)

	for i, sc := range cfg.Sides {
		if err := h.addSide(i, sc, simulated); err != nil {
			h.Shutdown()
			return nil, errors.Wrapf(err, "side %q", sc.Name)
		}
	}
	return h, nil
}

func isSimulated(cfg config.Config, opts Options) (bool, error) {
	if opts.Simulate {
		return true, nil
	}
	var sims, real int
	for _, s := range cfg.Sides {
		for _, c := range []config.ChannelConfig{s.Primary, s.Secondary} {
			switch c.Type {
			case config.ChannelSim:
				sims++
			case config.ChannelJaguar, config.ChannelPWM:
				real++
			}
		}
	}
	if sims > 0 && real > 0 {
		return false, errors.New("simulated and real channels cannot be mixed")
	}
	return sims > 0, nil
}

func (h *Hardware) addSide(i int, sc config.SideConfig, simulated bool) error {
	var (
		tach  *tachometer.Tachometer
		edges *tachometer.ManualSource
		err   error
	)
	tachChannel := sc.Tachometer.Channel
	if tachChannel == 0 {
		tachChannel = i + 1
	}
	if simulated {
		edges = tachometer.NewManualSource(tachChannel)
		tach, err = tachometer.New(edges, h.clock, h.log, h.cfg.Sim.Params.EdgesPerRev)
	} else if sc.Tachometer.Pin != "" {
		var src *tachometer.GPIOSource
		if src, err = tachometer.OpenGPIO(sc.Tachometer.Pin, h.clock); err == nil {
			tach, err = tachometer.New(src, h.clock, h.log, sc.Tachometer.EdgesPerRev)
		}
	}
	if err != nil {
		return errors.Wrap(err, "tachometer")
	}
	if tach != nil {
		h.tachs = append(h.tachs, tach)
	}

	open := func(cc config.ChannelConfig, edges *tachometer.ManualSource) (actuator.Interface, error) {
		if simulated {
			if cc.Type == config.ChannelNone {
				return nil, nil
			}
			f := sim.NewFlywheel(h.cfg.Sim.Params, edges)
			h.world.Add(f)
			return f, nil
		}
		return h.openChannel(cc, tach)
	}
	primary, err := open(sc.Primary, nil)
	if err != nil {
		return errors.Wrap(err, "primary")
	}
	// Only the secondary drives the simulated sensor.
	secondary, err := open(sc.Secondary, edges)
	if err != nil {
		return errors.Wrap(err, "secondary")
	}

	var tachSource pid.Source
	if tach != nil {
		tachSource = tach
	}
	side, err := wheel.New(wheel.Config{
		Name:             sc.Name,
		LogChannel:       uint32(i),
		PrimaryChannel:   logChannel(sc.Primary, 2*i+1),
		SecondaryChannel: logChannel(sc.Secondary, 2*i+2),
		OpenLoopOutput:   sc.OpenLoopOutput,
		Feedback:         sc.Feedback,
	}, primary, secondary, tachSource, h.log)
	if err != nil {
		return err
	}
	h.sides = append(h.sides, side)
	log.Info().Str("side", sc.Name).Str("primary", string(sc.Primary.Type)).
		Str("secondary", string(sc.Secondary.Type)).Bool("tachometer", tach != nil).
		Bool("simulated", simulated).Msg("Side configured")
	return nil
}

// logChannel numbers a motor in the event log by its device id where it has
// one.
func logChannel(cc config.ChannelConfig, fallback int) uint32 {
	if cc.ID > 0 {
		return uint32(cc.ID)
	}
	return uint32(fallback)
}

func (h *Hardware) openChannel(cc config.ChannelConfig, tach *tachometer.Tachometer) (actuator.Interface, error) {
	switch cc.Type {
	case config.ChannelNone:
		return nil, nil
	case config.ChannelJaguar:
		bus, err := h.jaguarBus()
		if err != nil {
			return nil, err
		}
		dev, err := bus.Device(uint8(cc.ID))
		if err != nil {
			return nil, err
		}
		return dev, nil
	case config.ChannelPWM:
		if tach == nil {
			return nil, errors.New("pwm channel needs a tachometer")
		}
		out, err := h.pwmOutput()
		if err != nil {
			return nil, err
		}
		var current ina219.Interface
		if cc.CurrentAddr != 0 {
			if err := h.selectMotorBoard(); err != nil {
				return nil, err
			}
			sensor, err := ina219.NewI2C(h.cfg.I2C.Device, cc.CurrentAddr)
			if err != nil {
				return nil, err
			}
			if err := sensor.Configure(cc.ShuntOhms, cc.MaxCurrent); err != nil {
				return nil, err
			}
			current = sensor
		}
		esc, err := escpwm.New(out, tach, current, escpwm.Config{Channel: cc.ID, FullScaleRPM: cc.FullScaleRPM})
		if err != nil {
			return nil, err
		}
		h.escs = append(h.escs, esc)
		return esc, nil
	}
	return nil, errors.Errorf("channel type %q not available on real hardware", cc.Type)
}

func (h *Hardware) jaguarBus() (*jaguar.Bus, error) {
	if h.bus != nil {
		return h.bus, nil
	}
	var (
		t   jaguar.Transport
		err error
	)
	if h.cfg.CAN.Interface != "" {
		t, err = jaguar.DialSocketCAN(context.Background(), h.cfg.CAN.Interface)
	} else {
		t, err = jaguar.OpenSerial(h.cfg.CAN.SerialDevice, h.cfg.CAN.BaudRate)
	}
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, t)
	h.bus = jaguar.NewBus(t)
	return h.bus, nil
}

// selectMotorBoard routes the I2C bus to the motor board if it sits behind a
// multiplexer.
func (h *Hardware) selectMotorBoard() error {
	if h.cfg.I2C.MuxPort < 0 || h.mux != nil {
		return nil
	}
	m, err := mux.New(h.cfg.I2C.Device, h.cfg.I2C.MuxAddr)
	if err != nil {
		return err
	}
	h.closers = append(h.closers, m)
	if err := m.SelectPort(h.cfg.I2C.MuxPort); err != nil {
		return err
	}
	h.mux = m
	return nil
}

func (h *Hardware) pwmOutput() (pca9685.Interface, error) {
	if h.pwm != nil {
		return h.pwm, nil
	}
	if err := h.selectMotorBoard(); err != nil {
		return nil, err
	}
	p, err := pca9685.New(h.cfg.I2C.Device, h.cfg.I2C.PWMAddr)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, p)
	if err := p.Configure(h.cfg.I2C.FrequencyHz); err != nil {
		return nil, errors.Wrap(err, "configuring PCA9685")
	}
	h.pwm = p
	return p, nil
}

func (h *Hardware) Sides() []*wheel.Side {
	return h.sides
}

func (h *Hardware) Log() *eventlog.EventLog {
	return h.log
}

func (h *Hardware) Tachometers() []*tachometer.Tachometer {
	return h.tachs
}

// World returns the simulation, nil on real hardware.
func (h *Hardware) World() *sim.World {
	return h.world
}

func (h *Hardware) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	if h.bus != nil {
		h.loopsWG.Add(1)
		go h.bus.Loop(ctx, &h.loopsWG)
	}
	for _, esc := range h.escs {
		h.loopsWG.Add(1)
		go esc.Loop(ctx, &h.loopsWG)
	}
	if h.world != nil {
		h.loopsWG.Add(1)
		go h.world.Loop(ctx, &h.loopsWG, h.cfg.Sim.Step)
	}
}

// Shutdown stops the background loops and releases the devices.  Motors
// should already have been stopped.
func (h *Hardware) Shutdown() {
	if h.cancel != nil {
		log.Info().Msg("Stopping background loops")
		h.cancel()
		h.loopsWG.Wait()
		h.cancel = nil
	}
	for _, t := range h.tachs {
		t.Close()
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Msg("Close failed")
		}
	}
	h.closers = nil
}
