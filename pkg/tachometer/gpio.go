package tachometer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/tigerbot-team/flywheel/pkg/hwclock"
)

// How long WaitForEdge blocks before checking for cancellation.
const edgePollTimeout = 100 * time.Millisecond

// GPIOSource watches a GPIO pin for rising edges.  A dedicated goroutine sits
// in WaitForEdge and timestamps each edge as soon as it wakes, which is as
// close to an interrupt as user space gets.
type GPIOSource struct {
	pin   gpio.PinIO
	clock hwclock.Clock

	edgeTS atomic.Uint32

	lock sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ EdgeSource = (*GPIOSource)(nil)

// OpenGPIO opens a pin by name (e.g. "GPIO21") as a pulled-down input with
// rising-edge detection.
func OpenGPIO(name string, clock hwclock.Clock) (*GPIOSource, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialising periph host")
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("no such GPIO %q", name)
	}
	if err := p.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, errors.Wrapf(err, "configuring %s for rising edges", name)
	}
	return &GPIOSource{
		pin:   p,
		clock: clock,
	}, nil
}

func (g *GPIOSource) Channel() int {
	return g.pin.Number()
}

func (g *GPIOSource) ReadEdgeTimestamp() uint32 {
	return g.edgeTS.Load()
}

func (g *GPIOSource) RequestInterrupts(handler func()) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.stop != nil {
		return errors.Errorf("%s: interrupts already requested", g.pin.Name())
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.loop(handler, g.stop, g.done)
	return nil
}

func (g *GPIOSource) CancelInterrupts() {
	g.lock.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.lock.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	if err := g.pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		log.Warn().Err(err).Str("pin", g.pin.Name()).Msg("Failed to disable edge detection")
	}
}

func (g *GPIOSource) loop(handler func(), stop, done chan struct{}) {
	defer close(done)
	log.Debug().Str("pin", g.pin.Name()).Msg("Edge loop started")
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !g.pin.WaitForEdge(edgePollTimeout) {
			continue
		}
		g.edgeTS.Store(g.clock.Micros())
		handler()
	}
}
