package escpwm

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tigerbot-team/flywheel/pkg/ina219"
	"github.com/tigerbot-team/flywheel/pkg/pca9685"
	"github.com/tigerbot-team/flywheel/pkg/pid"
)

type fixedRate struct {
	lock sync.Mutex
	rpm  float64
}

func (f *fixedRate) Rate() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rpm
}

func (f *fixedRate) set(rpm float64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.rpm = rpm
}

func newTestESC(t *testing.T) (*ESC, *pca9685.Dummy, *fixedRate) {
	t.Helper()
	out := &pca9685.Dummy{}
	fb := &fixedRate{}
	e, err := New(out, fb, nil, Config{Channel: 4, FullScaleRPM: 4000})
	if err != nil {
		t.Fatal(err)
	}
	return e, out, fb
}

func TestNewValidates(t *testing.T) {
	if _, err := New(&pca9685.Dummy{}, &fixedRate{}, nil, Config{}); err == nil {
		t.Error("zero full-scale accepted")
	}
	if _, err := New(&pca9685.Dummy{}, nil, nil, Config{FullScaleRPM: 1}); err == nil {
		t.Error("missing feedback accepted")
	}
}

func TestOpenLoop(t *testing.T) {
	e, out, _ := newTestESC(t)
	if got := out.Pulse(4); got != pca9685.ThrottleMinPulse {
		t.Errorf("initial pulse %v", got)
	}
	_ = e.SetOpenLoopOutput(1)
	if got := out.Pulse(4); got != pca9685.ThrottleMaxPulse {
		t.Errorf("full throttle pulse %v", got)
	}
	_ = e.SetOpenLoopOutput(-0.5)
	if e.Throttle() != 0 {
		t.Errorf("reverse should be ignored, throttle %v", e.Throttle())
	}
	// The speed loop leaves open-loop output alone.
	_ = e.SetOpenLoopOutput(0.7)
	_ = e.Step(LoopPeriod)
	if e.Throttle() != 0.7 {
		t.Errorf("Step changed open-loop throttle to %v", e.Throttle())
	}
}

func TestClosedLoop(t *testing.T) {
	e, _, fb := newTestESC(t)
	if err := e.SetClosedLoopTarget(1000); err != ErrWrongMode {
		t.Errorf("target while open: %v", err)
	}
	if err := e.EnableClosedLoop(pid.Gains{P: 1}); err != nil {
		t.Fatal(err)
	}
	if err := e.SetClosedLoopTarget(3000); err != nil {
		t.Fatal(err)
	}
	fb.set(1000)
	_ = e.Step(LoopPeriod)
	// Error of 2000 RPM at P=1 over a 4000 RPM full scale.
	if got := e.Throttle(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("throttle %v, want 0.5", got)
	}
	fb.set(5000)
	_ = e.Step(LoopPeriod)
	if got := e.Throttle(); got != 0 {
		t.Errorf("overspeed throttle %v, want 0", got)
	}

	_ = e.Disable()
	if e.Throttle() != 0 {
		t.Errorf("Disable left throttle at %v", e.Throttle())
	}
	if err := e.SetClosedLoopTarget(3000); err != ErrWrongMode {
		t.Errorf("target after disable: %v", err)
	}
}

func TestInvalidGains(t *testing.T) {
	e, _, _ := newTestESC(t)
	if err := e.EnableClosedLoop(pid.Gains{P: math.NaN()}); err == nil {
		t.Error("NaN gain accepted")
	}
}

func TestCurrent(t *testing.T) {
	cur := &ina219.Dummy{}
	cur.Set(12, 3.5)
	e, err := New(&pca9685.Dummy{}, &fixedRate{}, cur, Config{FullScaleRPM: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a, err := e.GetCurrentDraw(); err != nil || a != 3.5 {
		t.Errorf("current = %v, %v", a, err)
	}
	e2, _, _ := newTestESC(t)
	if a, err := e2.GetCurrentDraw(); err != nil || a != 0 {
		t.Errorf("no sensor current = %v, %v", a, err)
	}
}

func TestLoopDisablesOnExit(t *testing.T) {
	e, _, _ := newTestESC(t)
	_ = e.SetOpenLoopOutput(1)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go e.Loop(ctx, &wg)
	time.Sleep(3 * LoopPeriod)
	cancel()
	wg.Wait()
	if e.Throttle() != 0 {
		t.Errorf("throttle after loop exit %v", e.Throttle())
	}
}
