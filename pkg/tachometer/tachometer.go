// Package tachometer derives wheel speed from the interval between rising
// edges of a Hall effect sensor.
package tachometer

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
)

// StaleWindow is the longest edge-to-edge spacing, in microseconds, that still
// describes a spinning wheel.  Anything slower means the wheel has stopped or
// an edge was missed.
const StaleWindow uint32 = 200_000

// EdgeSource is a digital input that can report rising edges.  The handler
// runs on the source's own goroutine and must not block.
type EdgeSource interface {
	Channel() int
	// ReadEdgeTimestamp returns the capture time of the edge currently being
	// handled.
	ReadEdgeTimestamp() uint32
	RequestInterrupts(handler func()) error
	CancelInterrupts()
}

type Tachometer struct {
	source      EdgeSource
	clock       hwclock.Clock
	log         *eventlog.EventLog
	edgesPerRev float64

	lock          sync.Mutex
	lastTime      uint32
	lastInterval  uint32
	sampleValid   bool
	intervalValid bool
}

// New registers for edges on source.  edgesPerRev is the number of sensor
// marks per wheel revolution; values below 1 are treated as 1.
func New(source EdgeSource, clock hwclock.Clock, log *eventlog.EventLog, edgesPerRev int) (*Tachometer, error) {
	if edgesPerRev < 1 {
		edgesPerRev = 1
	}
	t := &Tachometer{
		source:      source,
		clock:       clock,
		log:         log,
		edgesPerRev: float64(edgesPerRev),
	}
	if err := source.RequestInterrupts(t.HandleEdge); err != nil {
		return nil, errors.Wrapf(err, "requesting edges on channel %d", source.Channel())
	}
	return t, nil
}

func (t *Tachometer) Channel() int {
	return t.source.Channel()
}

// HandleEdge records one rising edge.  It is called by the edge source.
func (t *Tachometer) HandleEdge() {
	when := t.source.ReadEdgeTimestamp()

	t.lock.Lock()
	switch {
	case !t.sampleValid:
		t.lastTime = when
		t.sampleValid = true
	case when == t.lastTime:
		// Duplicate capture; keep the previous interval.
	default:
		interval := when - t.lastTime
		if interval < StaleWindow {
			t.lastInterval = interval
			t.intervalValid = true
		} else {
			t.intervalValid = false
		}
		t.lastTime = when
	}
	t.lock.Unlock()

	if t.log != nil {
		t.log.Log(eventlog.KindTach, uint32(t.source.Channel()), when)
	}
}

// GetInterval returns the most recent edge interval in microseconds, or 0 if
// there is none or the last edge is too old to be meaningful.
func (t *Tachometer) GetInterval() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.intervalValid {
		return 0
	}
	if t.clock.Micros()-t.lastTime >= StaleWindow {
		t.intervalValid = false
		return 0
	}
	return t.lastInterval
}

// Rate returns the wheel speed in RPM, or 0 when no valid interval exists.
func (t *Tachometer) Rate() float64 {
	interval := t.GetInterval()
	if interval == 0 {
		return 0
	}
	return 60e6 / (float64(interval) * t.edgesPerRev)
}

// Close stops edge delivery.
func (t *Tachometer) Close() {
	t.source.CancelInterrupts()
}
