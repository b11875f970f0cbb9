package tachometer

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ManualSource delivers edges on demand.  The simulator and the tests use it
// in place of a GPIO pin.
type ManualSource struct {
	channel int
	edgeTS  atomic.Uint32

	lock    sync.Mutex
	handler func()
}

var _ EdgeSource = (*ManualSource)(nil)

func NewManualSource(channel int) *ManualSource {
	return &ManualSource{channel: channel}
}

func (m *ManualSource) Channel() int {
	return m.channel
}

func (m *ManualSource) ReadEdgeTimestamp() uint32 {
	return m.edgeTS.Load()
}

func (m *ManualSource) RequestInterrupts(handler func()) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.handler != nil {
		return errors.Errorf("channel %d already has a handler", m.channel)
	}
	m.handler = handler
	return nil
}

func (m *ManualSource) CancelInterrupts() {
	m.lock.Lock()
	m.handler = nil
	m.lock.Unlock()
}

// Fire delivers a rising edge captured at ts.  It is a no-op once interrupts
// are cancelled.
func (m *ManualSource) Fire(ts uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.handler == nil {
		return
	}
	m.edgeTS.Store(ts)
	m.handler()
}
