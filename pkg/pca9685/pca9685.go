// Package pca9685 drives the 16-channel PWM expander used to feed hobby
// ESCs their throttle pulses.
package pca9685

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x40

	RegMode1 = 0x00
	RegMode2 = 0x01

	// Each output has two 16-bit (low byte first) registers: on time, then
	// off time.
	RegLEDBase = 0x06

	RegPreScale = 0xfe

	NumChannels = 16

	oscillatorHz = 25_000_000
	counts       = 4096

	DefaultFrequencyHz = 50

	// Standard ESC throttle range.
	ThrottleMinPulse = 1000 * time.Microsecond
	ThrottleMaxPulse = 2000 * time.Microsecond
)

var ErrBadChannel = errors.New("pca9685: channel out of range")

type Interface interface {
	Configure(frequencyHz float64) error
	SetPulse(channel int, width time.Duration) error
	SetThrottle(channel int, fraction float64) error
	Close() error
}

type regWriter interface {
	WriteReg(reg byte, buf []byte) error
	Close() error
}

type PCA9685 struct {
	dev    regWriter
	period time.Duration
}

func New(deviceFile string, addr int) (*PCA9685, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "opening PCA9685 on %s", deviceFile)
	}
	return newWithDevice(dev), nil
}

func newWithDevice(dev regWriter) *PCA9685 {
	return &PCA9685{
		dev:    dev,
		period: time.Second / DefaultFrequencyHz,
	}
}

// PreScale returns the prescaler register value for the given output
// frequency.
func PreScale(frequencyHz float64) byte {
	v := math.Round(oscillatorHz/(counts*frequencyHz)) - 1
	if v < 3 {
		v = 3
	} else if v > 255 {
		v = 255
	}
	return byte(v)
}

func (p *PCA9685) Configure(frequencyHz float64) error {
	if frequencyHz <= 0 {
		frequencyHz = DefaultFrequencyHz
	}
	// Prescaler can only be written while asleep.
	if err := p.dev.WriteReg(RegMode1, []byte{0x11}); err != nil {
		return errors.Wrap(err, "sleep")
	}
	if err := p.dev.WriteReg(RegPreScale, []byte{PreScale(frequencyHz)}); err != nil {
		return errors.Wrap(err, "prescale")
	}
	if err := p.dev.WriteReg(RegMode1, []byte{0x01}); err != nil {
		return errors.Wrap(err, "wake")
	}
	time.Sleep(time.Millisecond)
	// Restart with auto-increment.
	if err := p.dev.WriteReg(RegMode1, []byte{0xa1}); err != nil {
		return errors.Wrap(err, "restart")
	}
	p.period = time.Duration(float64(time.Second) / frequencyHz)
	return nil
}

func (p *PCA9685) SetPulse(channel int, width time.Duration) error {
	if channel < 0 || channel >= NumChannels {
		return ErrBadChannel
	}
	if width < 0 {
		width = 0
	} else if width > p.period {
		width = p.period
	}
	off := uint16(int64(counts-1) * int64(width) / int64(p.period))
	addr := RegLEDBase + channel*4
	return p.dev.WriteReg(byte(addr), []byte{0, 0, byte(off), byte(off >> 8)})
}

// SetThrottle maps 0..1 onto the ESC pulse range.
func (p *PCA9685) SetThrottle(channel int, fraction float64) error {
	return p.SetPulse(channel, ThrottlePulse(fraction))
}

func ThrottlePulse(fraction float64) time.Duration {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	return ThrottleMinPulse + time.Duration(fraction*float64(ThrottleMaxPulse-ThrottleMinPulse))
}

func (p *PCA9685) Close() error {
	return p.dev.Close()
}

// Dummy records the last pulse written to each channel.
type Dummy struct {
	lock   sync.Mutex
	pulses [NumChannels]time.Duration
}

func (*Dummy) Configure(float64) error {
	return nil
}

func (d *Dummy) SetPulse(channel int, width time.Duration) error {
	if channel < 0 || channel >= NumChannels {
		return ErrBadChannel
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.pulses[channel] = width
	return nil
}

func (d *Dummy) SetThrottle(channel int, fraction float64) error {
	return d.SetPulse(channel, ThrottlePulse(fraction))
}

func (d *Dummy) Pulse(channel int) time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.pulses[channel]
}

func (*Dummy) Close() error {
	return nil
}
