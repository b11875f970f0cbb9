// Package jaguar drives CAN-attached brushed motor controllers that offer an
// open-loop voltage mode and an on-board closed-loop speed mode.
package jaguar

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.einride.tech/can"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/pid"
)

var (
	ErrClosed    = errors.New("jaguar: transport closed")
	ErrNotReady  = errors.New("jaguar: no status received yet")
	ErrStale     = errors.New("jaguar: status reply is stale")
	ErrWrongMode = errors.New("jaguar: controller not in speed mode")
)

// Status replies older than this are reported as ErrStale.
const StatusMaxAge = time.Second

// Per-frame send timeout.
const sendTimeout = 10 * time.Millisecond

type Mode int

const (
	ModeDisabled Mode = iota
	ModeVoltage
	ModeSpeed
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeVoltage:
		return "voltage"
	case ModeSpeed:
		return "speed"
	}
	return "unknown"
}

// Bus owns a Transport shared by several controllers and routes their status
// replies.
type Bus struct {
	transport Transport

	lock    sync.Mutex
	devices map[uint8]*Jaguar
}

func NewBus(t Transport) *Bus {
	return &Bus{
		transport: t,
		devices:   map[uint8]*Jaguar{},
	}
}

// Device returns the controller with the given device number, creating it on
// first use.
func (b *Bus) Device(number uint8) (*Jaguar, error) {
	if number == 0 || number > MaxDeviceNumber {
		return nil, errors.Errorf("jaguar: invalid device number %d", number)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if j, ok := b.devices[number]; ok {
		return j, nil
	}
	j := &Jaguar{bus: b, number: number}
	b.devices[number] = j
	return j, nil
}

// Loop receives frames until the context is cancelled or the transport fails.
// It closes the transport on exit.
func (b *Bus) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer log.Info().Msg("Jaguar receive loop exited")

	go func() {
		<-ctx.Done()
		_ = b.transport.Close()
	}()

	for ctx.Err() == nil {
		f, err := b.transport.Receive()
		if err != nil {
			if ctx.Err() == nil && err != ErrClosed {
				log.Error().Err(err).Msg("Jaguar bus receive failed")
			}
			return
		}
		b.handleFrame(f, time.Now())
	}
}

func (b *Bus) handleFrame(f can.Frame, now time.Time) {
	class, index, number, ok := SplitID(f.ID)
	if !ok || class != ClassStatus || f.Length == 0 {
		// Not a status reply (or our own empty request echoed back).
		return
	}
	b.lock.Lock()
	j := b.devices[number]
	b.lock.Unlock()
	if j == nil {
		return
	}
	j.handleStatus(index, f.Data[:f.Length], now)
}

func (b *Bus) send(id uint32, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return errors.Wrapf(b.transport.Send(ctx, newFrame(id, payload)), "sending %08x", id)
}

// Jaguar is one controller.  It implements actuator.Interface.
type Jaguar struct {
	bus    *Bus
	number uint8

	lock        sync.Mutex
	mode        Mode
	gains       pid.Gains
	speed       float64
	speedTime   time.Time
	current     float64
	currentTime time.Time
}

var _ actuator.Interface = (*Jaguar)(nil)

func (j *Jaguar) Number() uint8 {
	return j.number
}

func (j *Jaguar) Mode() Mode {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.mode
}

func (j *Jaguar) id(class APIClass, index uint32) uint32 {
	return MessageID(class, index, j.number)
}

func (j *Jaguar) SetOpenLoopOutput(fraction float64) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.mode != ModeVoltage {
		if err := j.leaveModeLocked(); err != nil {
			return err
		}
		if err := j.bus.send(j.id(ClassVoltage, VoltEnable), nil); err != nil {
			return err
		}
		j.mode = ModeVoltage
	}
	return j.bus.send(j.id(ClassVoltage, VoltSet), encodeFraction(actuator.Clamp(fraction)))
}

func (j *Jaguar) EnableClosedLoop(gains pid.Gains) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.mode == ModeSpeed {
		if gains == j.gains {
			return nil
		}
		return j.sendGainsLocked(gains)
	}

	if err := j.leaveModeLocked(); err != nil {
		return err
	}
	if err := j.bus.send(j.id(ClassSpeed, SpeedReference), []byte{RefEncoder}); err != nil {
		return err
	}
	if err := j.sendGainsLocked(gains); err != nil {
		return err
	}
	if err := j.bus.send(j.id(ClassSpeed, SpeedEnable), nil); err != nil {
		return err
	}
	j.mode = ModeSpeed
	return nil
}

func (j *Jaguar) sendGainsLocked(gains pid.Gains) error {
	for _, g := range []struct {
		index uint32
		value float64
	}{
		{SpeedP, gains.P},
		{SpeedI, gains.I},
		{SpeedD, gains.D},
	} {
		if err := j.bus.send(j.id(ClassSpeed, g.index), encodeFixed16(g.value)); err != nil {
			return err
		}
	}
	j.gains = gains
	return nil
}

func (j *Jaguar) SetClosedLoopTarget(rpm float64) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.mode != ModeSpeed {
		return ErrWrongMode
	}
	return j.bus.send(j.id(ClassSpeed, SpeedSet), encodeFixed16(rpm))
}

func (j *Jaguar) Disable() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.leaveModeLocked()
}

// leaveModeLocked zeroes the output of the current mode and disables it.
func (j *Jaguar) leaveModeLocked() error {
	var err error
	switch j.mode {
	case ModeVoltage:
		err = j.bus.send(j.id(ClassVoltage, VoltSet), encodeFraction(0))
		if err == nil {
			err = j.bus.send(j.id(ClassVoltage, VoltDisable), nil)
		}
	case ModeSpeed:
		err = j.bus.send(j.id(ClassSpeed, SpeedSet), encodeFixed16(0))
		if err == nil {
			err = j.bus.send(j.id(ClassSpeed, SpeedDisable), nil)
		}
	}
	if err != nil {
		return err
	}
	j.mode = ModeDisabled
	return nil
}

// GetMeasuredRate asks for a fresh speed report and returns the most recent
// one received.
func (j *Jaguar) GetMeasuredRate() (float64, error) {
	return j.readStatus(StatusSpeed, func() (float64, time.Time) { return j.speed, j.speedTime })
}

// GetCurrentDraw asks for a fresh current report and returns the most recent
// one received.
func (j *Jaguar) GetCurrentDraw() (float64, error) {
	return j.readStatus(StatusCurrent, func() (float64, time.Time) { return j.current, j.currentTime })
}

func (j *Jaguar) readStatus(index uint32, cached func() (float64, time.Time)) (float64, error) {
	reqErr := j.bus.send(j.id(ClassStatus, index), nil)

	j.lock.Lock()
	v, when := cached()
	j.lock.Unlock()

	if when.IsZero() {
		if reqErr != nil {
			return 0, reqErr
		}
		return 0, ErrNotReady
	}
	if time.Since(when) > StatusMaxAge {
		return v, ErrStale
	}
	return v, nil
}

func (j *Jaguar) handleStatus(index uint32, data []byte, now time.Time) {
	j.lock.Lock()
	defer j.lock.Unlock()
	switch index {
	case StatusSpeed:
		if len(data) >= 4 {
			j.speed = decodeFixed16(data)
			j.speedTime = now
		}
	case StatusCurrent:
		if len(data) >= 2 {
			j.current = decodeFixed8(data)
			j.currentTime = now
		}
	}
}
