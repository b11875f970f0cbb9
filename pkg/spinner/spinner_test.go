package spinner

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/flywheel/pkg/actuator"
	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/tunable"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

type countingGains struct {
	gains pid.Gains
	reads int
}

func (c *countingGains) Gains() pid.Gains {
	c.reads++
	return c.gains
}

type fixedSetpoints map[string]float64

func (f fixedSetpoints) Setpoint(side string) float64 {
	return f[side]
}

type rig struct {
	ctrl    *Controller
	elog    *eventlog.EventLog
	motors  []*actuator.DummyActuator
	gains   *countingGains
	targets fixedSetpoints
}

func newRig(t *testing.T, n int, period int) *rig {
	t.Helper()
	r := &rig{
		elog:    eventlog.New(hwclock.NewFake(0)),
		gains:   &countingGains{gains: pid.Gains{P: 1, I: 0.005}},
		targets: fixedSetpoints{},
	}
	var sides []*wheel.Side
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("side%d", i)
		m := actuator.Dummy(name)
		s, err := wheel.New(wheel.Config{Name: name, LogChannel: uint32(i)}, nil, m, nil, r.elog)
		if err != nil {
			t.Fatal(err)
		}
		r.motors = append(r.motors, m)
		r.targets[name] = 2000
		sides = append(sides, s)
	}
	ctrl, err := New(r.elog, sides, r.targets, r.gains, Options{Period: period})
	if err != nil {
		t.Fatal(err)
	}
	r.ctrl = ctrl
	return r
}

func (r *rig) polls() []int {
	var out []int
	for _, m := range r.motors {
		out = append(out, m.Calls("GetMeasuredRate"))
	}
	return out
}

func TestDefaultPhases(t *testing.T) {
	if got := []int{Phase(0, 2, 24), Phase(1, 2, 24)}; got[0] != 8 || got[1] != 16 {
		t.Errorf("two-side phases %v, want [8 16]", got)
	}
	if got := Phase(0, 1, 24); got != 12 {
		t.Errorf("one-side phase %d, want 12", got)
	}
}

func TestEverySideServicedOncePerPeriod(t *testing.T) {
	for _, tc := range []struct{ sides, period int }{
		{1, 24}, {2, 24}, {3, 24}, {5, 7}, {23, 24}, {1, 2},
	} {
		t.Run(fmt.Sprintf("%d_sides_period_%d", tc.sides, tc.period), func(t *testing.T) {
			r := newRig(t, tc.sides, tc.period)
			// Windows starting at every offset.
			for offset := 0; offset < tc.period; offset++ {
				before := r.polls()
				gainReadsBefore := r.gains.reads
				var gainPhases int
				for i := 0; i < tc.period; i++ {
					if r.ctrl.tick == gainPhase {
						gainPhases++
					}
					r.ctrl.RunOnce()
				}
				after := r.polls()
				for i := range after {
					if after[i]-before[i] != 1 {
						t.Fatalf("offset %d: side %d polled %d times", offset, i, after[i]-before[i])
					}
				}
				if gainPhases != 1 {
					t.Fatalf("offset %d: gain refresh ran %d times", offset, gainPhases)
				}
				// One read for the refresh, one per side poll.
				if got := r.gains.reads - gainReadsBefore; got != 1+tc.sides {
					t.Fatalf("offset %d: %d gain reads", offset, got)
				}
				r.ctrl.RunOnce()
			}
		})
	}
}

func TestAtMostOneSidePerTick(t *testing.T) {
	r := newRig(t, 3, DefaultPeriod)
	prev := 0
	for i := 0; i < 3*DefaultPeriod; i++ {
		r.ctrl.RunOnce()
		total := 0
		for _, n := range r.polls() {
			total += n
		}
		if total-prev > 1 {
			t.Fatalf("tick %d polled %d sides", i, total-prev)
		}
		prev = total
	}
}

func TestTooManySides(t *testing.T) {
	elog := eventlog.New(hwclock.NewFake(0))
	var sides []*wheel.Side
	for i := 0; i < 4; i++ {
		s, _ := wheel.New(wheel.Config{Name: fmt.Sprint(i)}, nil, actuator.Dummy("m"), nil, elog)
		sides = append(sides, s)
	}
	_, err := New(elog, sides, fixedSetpoints{}, &countingGains{}, Options{Period: 4})
	if errors.Cause(err) != ErrTooManySides {
		t.Errorf("4 sides in period 4: %v", err)
	}
	if _, err := New(elog, sides, fixedSetpoints{}, &countingGains{}, Options{Period: 5}); err != nil {
		t.Errorf("4 sides in period 5: %v", err)
	}
}

func runPeriod(c *Controller) {
	for i := 0; i < c.Period(); i++ {
		c.RunOnce()
	}
}

func TestStartRunStop(t *testing.T) {
	r := newRig(t, 2, DefaultPeriod)
	r.ctrl.Init(100)
	r.ctrl.Start()
	for _, st := range r.ctrl.Status() {
		if st.Mode != wheel.ModeOpenLoop || st.Target != 2000 {
			t.Fatalf("after Start: %+v", st)
		}
	}

	r.motors[0].SetRate(1800)
	r.motors[1].SetRate(900)
	runPeriod(r.ctrl)
	st := r.ctrl.Status()
	if st[0].Mode != wheel.ModeClosedLoop || st[1].Mode != wheel.ModeOpenLoop {
		t.Fatalf("after one period: %+v", st)
	}
	if st[0].Measured != 1800 || st[1].Measured != 900 {
		t.Errorf("measured speeds %+v", st)
	}

	r.ctrl.Stop()
	for _, st := range r.ctrl.Status() {
		if st.Mode != wheel.ModeStopped {
			t.Errorf("after Stop: %+v", st)
		}
	}
	for _, m := range r.motors {
		if m.DriveMode() != actuator.DriveOff {
			t.Errorf("motor left in %v", m.DriveMode())
		}
	}
}

func TestGainRefreshOnlyReachesClosedLoopSides(t *testing.T) {
	r := newRig(t, 2, DefaultPeriod)
	r.ctrl.Start()
	r.motors[0].SetRate(1900)
	runPeriod(r.ctrl)

	r.gains.gains = pid.Gains{P: 3}
	runPeriod(r.ctrl)
	if got := r.motors[0].Gains(); got.P != 3 {
		t.Errorf("closed-loop side gains %+v", got)
	}
	if n := r.motors[1].Calls("EnableClosedLoop"); n != 0 {
		t.Errorf("open-loop side got gains %d times", n)
	}

	// Invalid gains keep the last good ones.
	r.gains.gains = pid.Gains{P: math.NaN()}
	runPeriod(r.ctrl)
	if got := r.motors[0].Gains(); got.P != 3 {
		t.Errorf("bad gains reached the motor: %+v", got)
	}
}

func TestSetpointGuard(t *testing.T) {
	r := newRig(t, 1, DefaultPeriod)
	r.ctrl.Start()

	for _, tc := range []struct {
		in   float64
		want float64
	}{
		{2500, 2500},
		{math.NaN(), 2500},
		{math.Inf(1), 2500},
		{-10, 2500},
		{9000, DefaultMaxSpeed},
		{0, 0},
	} {
		r.targets["side0"] = tc.in
		runPeriod(r.ctrl)
		if got := r.ctrl.Status()[0].Target; got != tc.want {
			t.Errorf("setpoint %v: target %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTunablesDriveController(t *testing.T) {
	elog := eventlog.New(hwclock.NewFake(0))
	m := actuator.Dummy("m")
	s, _ := wheel.New(wheel.Config{Name: "top"}, nil, m, nil, elog)
	tn := tunable.New()
	tn.Create(tunable.SpeedName("top"), 3000)
	tn.Create(tunable.KP, 2)
	tn.Create(tunable.KI, 0)
	tn.Create(tunable.KD, 0)
	c, err := New(elog, []*wheel.Side{s}, tn, tn, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	m.SetRate(2900)
	runPeriod(c)
	if m.Target() != 3000 || m.Gains().P != 2 {
		t.Errorf("target %v gains %+v", m.Target(), m.Gains())
	}
}

func TestDump(t *testing.T) {
	r := newRig(t, 1, DefaultPeriod)
	path := filepath.Join(t.TempDir(), "spin.csv")
	r.ctrl.Init(1000)
	r.ctrl.Start()
	runPeriod(r.ctrl)
	r.ctrl.Stop()
	if err := r.ctrl.Dump(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Marker, START, MODE, SPEED, CURRENT, STOP, MODE.
	if len(lines) != 7 {
		t.Fatalf("dump has %d lines:\n%s", len(lines), data)
	}
	if r.elog.Len() != 1 {
		t.Errorf("log not reset after dump: %d records", r.elog.Len())
	}

	// Unwritable destination is reported and the records survive.
	r.ctrl.Start()
	if err := r.ctrl.Dump(filepath.Join(t.TempDir(), "missing", "x.csv")); err == nil {
		t.Error("expected dump error")
	}
	if r.elog.Len() <= 1 {
		t.Error("records lost on failed dump")
	}
}
