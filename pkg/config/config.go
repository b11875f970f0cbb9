// Package config loads the shooter's hardware and tuning description.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/jaguar"
	"github.com/tigerbot-team/flywheel/pkg/mux"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/sim"
	"github.com/tigerbot-team/flywheel/pkg/spinner"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

type ChannelType string

const (
	ChannelNone   ChannelType = "none"
	ChannelJaguar ChannelType = "jaguar"
	ChannelPWM    ChannelType = "pwm"
	ChannelSim    ChannelType = "sim"
)

type Config struct {
	Tick     time.Duration `yaml:"tick"`
	Period   int           `yaml:"period"`
	MaxSpeed float64       `yaml:"max_speed"`
	Gains    pid.Gains     `yaml:"gains"`

	Log LogConfig `yaml:"log"`
	CAN CANConfig `yaml:"can"`
	I2C I2CConfig `yaml:"i2c"`
	Sim SimConfig `yaml:"sim"`

	Sides []SideConfig `yaml:"sides"`
}

type LogConfig struct {
	Capacity int    `yaml:"capacity"`
	DumpPath string `yaml:"dump_path"`
}

// CANConfig selects the motor controller bus.  Exactly one of Interface and
// SerialDevice is used; Interface wins if both are set.
type CANConfig struct {
	Interface    string `yaml:"interface"`
	SerialDevice string `yaml:"serial_device"`
	BaudRate     int    `yaml:"baud_rate"`
}

type I2CConfig struct {
	Device      string  `yaml:"device"`
	PWMAddr     int     `yaml:"pwm_addr"`
	FrequencyHz float64 `yaml:"frequency_hz"`
	// Multiplexer port the motor board is behind; negative if there is no
	// multiplexer.
	MuxPort int `yaml:"mux_port"`
	MuxAddr int `yaml:"mux_addr"`
}

type SimConfig struct {
	Step   time.Duration `yaml:"step"`
	Params sim.Params    `yaml:"params"`
}

type SideConfig struct {
	Name           string         `yaml:"name"`
	Setpoint       float64        `yaml:"setpoint"`
	OpenLoopOutput float64        `yaml:"open_loop_output"`
	Feedback       wheel.Feedback `yaml:"feedback"`
	Primary        ChannelConfig  `yaml:"primary"`
	Secondary      ChannelConfig  `yaml:"secondary"`
	Tachometer     TachConfig     `yaml:"tachometer"`
}

type ChannelConfig struct {
	Type ChannelType `yaml:"type"`
	// CAN device number for jaguar channels, PCA9685 output for pwm.
	ID int `yaml:"id"`
	// PWM only.
	FullScaleRPM float64 `yaml:"full_scale_rpm"`
	CurrentAddr  int     `yaml:"current_addr"`
	ShuntOhms    float64 `yaml:"shunt_ohms"`
	MaxCurrent   float64 `yaml:"max_current"`
}

type TachConfig struct {
	// GPIO pin name, e.g. GPIO17.  Empty means no tachometer.
	Pin string `yaml:"pin"`
	// Event log channel of a simulated sensor.  Real sensors log under their
	// GPIO number.
	Channel     int `yaml:"channel"`
	EdgesPerRev int `yaml:"edges_per_rev"`
}

// Default is one wheel pair on CAN controllers 5 and 6 with the secondary's
// encoder closing the speed loop.
func Default() Config {
	return Config{
		Tick:     20 * time.Millisecond,
		Period:   spinner.DefaultPeriod,
		MaxSpeed: spinner.DefaultMaxSpeed,
		Gains:    pid.Gains{P: 1.0, I: 0.005, D: 0},
		Log: LogConfig{
			Capacity: eventlog.DefaultCapacity,
			DumpPath: "/tmp/flywheel-log.csv",
		},
		CAN: CANConfig{
			Interface: "can0",
			BaudRate:  jaguar.DefaultBaudRate,
		},
		I2C: I2CConfig{
			Device:      "/dev/i2c-1",
			FrequencyHz: 50,
			MuxPort:     -1,
		},
		Sim: SimConfig{
			Step:   time.Millisecond,
			Params: sim.DefaultParams,
		},
		Sides: []SideConfig{
			{
				Name:           "top",
				Setpoint:       2500,
				OpenLoopOutput: wheel.DefaultOpenLoopOutput,
				Feedback:       wheel.FeedbackController,
				Primary:        ChannelConfig{Type: ChannelJaguar, ID: 5},
				Secondary:      ChannelConfig{Type: ChannelJaguar, ID: 6},
				Tachometer:     TachConfig{Pin: "GPIO17", Channel: 1, EdgesPerRev: 1},
			},
		},
	}
}

// Load reads path over the defaults.  A file that does not exist is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("No config file, using defaults")
		return cfg, cfg.Validate()
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "loading %s", path)
	}
	return cfg, nil
}

// Parse overlays YAML onto cfg and validates the result.  A sides list in
// the YAML replaces the default sides entirely.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return errors.Wrap(err, "parsing YAML")
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Tick <= 0 {
		return errors.Errorf("tick must be positive, not %v", c.Tick)
	}
	if c.Period < 2 {
		return errors.Errorf("period must be at least 2, not %d", c.Period)
	}
	if len(c.Sides) >= c.Period {
		return errors.Errorf("%d sides do not fit a period of %d", len(c.Sides), c.Period)
	}
	if c.MaxSpeed <= 0 {
		return errors.Errorf("max_speed must be positive, not %v", c.MaxSpeed)
	}
	if c.I2C.MuxPort >= mux.NumPorts {
		return errors.Errorf("mux_port %d out of range", c.I2C.MuxPort)
	}
	if !c.Gains.Valid() {
		return errors.Errorf("gains must be finite: %+v", c.Gains)
	}
	seen := map[string]bool{}
	for i := range c.Sides {
		s := &c.Sides[i]
		if s.Name == "" {
			return errors.Errorf("side %d has no name", i)
		}
		if seen[s.Name] {
			return errors.Errorf("side %q defined twice", s.Name)
		}
		seen[s.Name] = true
		if s.Feedback == "" {
			s.Feedback = wheel.FeedbackController
		}
		if s.Feedback != wheel.FeedbackController && s.Feedback != wheel.FeedbackTachometer {
			return errors.Errorf("side %q: unknown feedback %q", s.Name, s.Feedback)
		}
		if s.Feedback == wheel.FeedbackTachometer && s.Tachometer.Pin == "" && s.Secondary.Type != ChannelSim {
			return errors.Errorf("side %q uses tachometer feedback but has no tachometer pin", s.Name)
		}
		if s.Primary.Type == "" {
			s.Primary.Type = ChannelNone
		}
		if err := s.Primary.validate(); err != nil {
			return errors.Wrapf(err, "side %q primary", s.Name)
		}
		if s.Secondary.Type == ChannelNone || s.Secondary.Type == "" {
			return errors.Errorf("side %q needs a secondary channel", s.Name)
		}
		if err := s.Secondary.validate(); err != nil {
			return errors.Wrapf(err, "side %q secondary", s.Name)
		}
		if s.Secondary.Type == ChannelPWM && s.Tachometer.Pin == "" {
			return errors.Errorf("side %q: pwm channels need a tachometer for their speed loop", s.Name)
		}
	}
	return nil
}

func (c ChannelConfig) validate() error {
	switch c.Type {
	case ChannelNone, ChannelSim:
	case ChannelJaguar:
		if c.ID < 1 || c.ID > jaguar.MaxDeviceNumber {
			return errors.Errorf("jaguar device number %d out of range", c.ID)
		}
	case ChannelPWM:
		if c.ID < 0 || c.ID > 15 {
			return errors.Errorf("pwm output %d out of range", c.ID)
		}
		if c.FullScaleRPM <= 0 {
			return errors.New("pwm channels need full_scale_rpm")
		}
	default:
		return errors.Errorf("unknown channel type %q", c.Type)
	}
	return nil
}

// WriteInUse records the configuration actually in force.
func WriteInUse(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0666), "writing %s", path)
}
