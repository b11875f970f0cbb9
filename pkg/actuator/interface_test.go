package actuator

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/flywheel/pkg/pid"
)

func TestClamp(t *testing.T) {
	for in, want := range map[float64]float64{
		0: 0, 0.5: 0.5, 1: 1, 1.5: 1, -3: -1, math.Inf(1): 1, math.Inf(-1): -1,
	} {
		if got := Clamp(in); got != want {
			t.Errorf("Clamp(%v) = %v, want %v", in, got, want)
		}
	}
	if got := Clamp(math.NaN()); got != 0 {
		t.Errorf("Clamp(NaN) = %v, want 0", got)
	}
}

func TestDummyAcceptsEverything(t *testing.T) {
	d := Dummy("test")
	if err := d.SetOpenLoopOutput(0.7); err != nil {
		t.Fatal(err)
	}
	if err := d.Disable(); err != nil {
		t.Fatal(err)
	}
	if r, err := d.GetMeasuredRate(); r != 0 || err != nil {
		t.Fatalf("Dummy rate should be 0, got %v %v", r, err)
	}
}

func TestDummyRemembersCommands(t *testing.T) {
	d := Dummy("test")
	_ = d.SetOpenLoopOutput(2)
	if d.DriveMode() != DriveOpenLoop || d.Output() != 1 {
		t.Errorf("after open loop: mode %v output %v", d.DriveMode(), d.Output())
	}
	_ = d.EnableClosedLoop(pid.Gains{P: 1})
	_ = d.SetClosedLoopTarget(2500)
	if d.DriveMode() != DriveClosedLoop || d.Target() != 2500 || d.Gains().P != 1 {
		t.Errorf("after closed loop: mode %v target %v gains %+v", d.DriveMode(), d.Target(), d.Gains())
	}
	d.SetRate(1234)
	if r, _ := d.GetMeasuredRate(); r != 1234 {
		t.Errorf("rate = %v", r)
	}
	if n := d.Calls("GetMeasuredRate"); n != 1 {
		t.Errorf("GetMeasuredRate calls = %d", n)
	}

	d.FailWith(errors.New("bus off"))
	if err := d.Disable(); err == nil {
		t.Error("FailWith had no effect")
	}
	if d.DriveMode() != DriveOff {
		t.Errorf("mode after Disable = %v", d.DriveMode())
	}
}
