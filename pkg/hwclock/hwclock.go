package hwclock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock is a free-running microsecond counter.  It wraps at 2^32 (about
// 71 minutes) so callers must only ever subtract two readings, never compare
// them directly.
type Clock interface {
	Micros() uint32
}

var epoch = time.Now()

// Monotonic reads CLOCK_MONOTONIC, which is unaffected by wall clock steps.
type Monotonic struct{}

var _ Clock = Monotonic{}

func (Monotonic) Micros() uint32 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fall back to the runtime's monotonic reading.
		return uint32(time.Since(epoch).Microseconds())
	}
	us := uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1_000
	return uint32(us)
}

// Fake is a settable clock for tests and simulation.
type Fake struct {
	now atomic.Uint32
}

var _ Clock = (*Fake)(nil)

func NewFake(start uint32) *Fake {
	f := &Fake{}
	f.now.Store(start)
	return f
}

func (f *Fake) Micros() uint32 {
	return f.now.Load()
}

func (f *Fake) Set(us uint32) {
	f.now.Store(us)
}

// Advance moves the clock forward and returns the new reading.
func (f *Fake) Advance(us uint32) uint32 {
	return f.now.Add(us)
}
