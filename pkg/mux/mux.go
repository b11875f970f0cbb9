// Package mux selects downstream buses on a TCA9548A-style I2C multiplexer,
// used when the motor board's PCA9685 and INA219 sit behind one.
package mux

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x70
	NumPorts    = 8
)

var ErrBadPort = errors.New("mux: port out of range")

type Interface interface {
	SelectPort(num int) error
	DisableAllPorts() error
	Close() error
}

type writer interface {
	Write(buf []byte) error
	Close() error
}

type Mux struct {
	dev writer
}

func New(deviceFile string, addr int) (*Mux, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "opening mux at %#x", addr)
	}
	return &Mux{dev: dev}, nil
}

// SelectPort connects exactly one downstream bus.
func (m *Mux) SelectPort(num int) error {
	if num < 0 || num >= NumPorts {
		return ErrBadPort
	}
	log.Debug().Int("port", num).Msg("Selecting mux port")
	return errors.Wrapf(m.dev.Write([]byte{1 << uint(num)}), "selecting port %d", num)
}

func (m *Mux) DisableAllPorts() error {
	return errors.Wrap(m.dev.Write([]byte{0}), "disabling ports")
}

func (m *Mux) Close() error {
	return m.dev.Close()
}
