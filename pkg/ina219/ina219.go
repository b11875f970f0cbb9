// Package ina219 reads motor supply current from an INA219 shunt monitor.
package ina219

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/io/i2c"
)

const (
	DefaultAddr = 0x40

	RegConfig      = 0
	RegShuntV      = 1
	RegBusV        = 2
	RegPower       = 3
	RegCurrent     = 4
	RegCalibration = 5

	BusVoltageLSB = 0.004

	// 32V range, 320mV shunt range, 12-bit averaged samples, continuous.
	configContinuous = 0x399f
)

type Interface interface {
	Configure(shuntOhms, maxCurrent float64) error
	ReadBusVoltage() (float64, error)
	ReadCurrent() (float64, error)
}

type port interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
}

type INA219 struct {
	dev        port
	currentLSB float64
}

func NewI2C(deviceFile string, addr int) (*INA219, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "opening INA219 at %#x", addr)
	}
	return &INA219{dev: dev}, nil
}

func (m *INA219) Configure(shuntOhms, maxCurrent float64) error {
	if shuntOhms <= 0 || maxCurrent <= 0 {
		return errors.Errorf("ina219: bad shunt %vΩ / max current %vA", shuntOhms, maxCurrent)
	}
	m.currentLSB = maxCurrent / (1 << 15)
	cval := CalibrationValue(m.currentLSB, shuntOhms)
	log.Debug().Uint16("cal", cval).Float64("lsb", m.currentLSB).Msg("INA219 calibration")
	if err := m.write16(RegConfig, configContinuous); err != nil {
		return errors.Wrap(err, "writing config")
	}
	return errors.Wrap(m.write16(RegCalibration, cval), "writing calibration")
}

func (m *INA219) ReadBusVoltage() (float64, error) {
	raw, err := m.read16(RegBusV)
	return float64(raw>>3) * BusVoltageLSB, err
}

// ReadCurrent returns amps; negative when current flows backwards through
// the shunt.
func (m *INA219) ReadCurrent() (float64, error) {
	raw, err := m.read16(RegCurrent)
	return float64(int16(raw)) * m.currentLSB, err
}

func (m *INA219) read16(reg byte) (uint16, error) {
	var buf [2]byte
	err := m.dev.ReadReg(reg, buf[:])
	return uint16(buf[0])<<8 | uint16(buf[1]), err
}

func (m *INA219) write16(reg byte, v uint16) error {
	return m.dev.WriteReg(reg, []byte{byte(v >> 8), byte(v)})
}

func CalibrationValue(currentLSB, shuntOhms float64) uint16 {
	// Bit 0 of the calibration register is unused.
	return uint16(math.Round(0.04096/(currentLSB*shuntOhms))) &^ 1
}

// Dummy reports whatever current it was last given.
type Dummy struct {
	lock    sync.Mutex
	current float64
	voltage float64
}

func (*Dummy) Configure(float64, float64) error {
	return nil
}

func (d *Dummy) Set(voltage, current float64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.voltage, d.current = voltage, current
}

func (d *Dummy) ReadBusVoltage() (float64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.voltage, nil
}

func (d *Dummy) ReadCurrent() (float64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.current, nil
}
