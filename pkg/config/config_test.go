package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Gains.P != 1.0 || cfg.Gains.I != 0.005 {
		t.Errorf("default gains %+v", cfg.Gains)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sides) != 1 || cfg.Sides[0].Name != "top" {
		t.Errorf("sides %+v", cfg.Sides)
	}
}

const simYAML = `
tick: 10ms
max_speed: 3000
gains: {p: 2, i: 0.01}
sim:
  step: 500us
  params:
    free_speed_rpm: 4000
    time_constant: 250ms
sides:
  - name: top
    setpoint: 2000
    feedback: tachometer
    secondary: {type: sim}
  - name: bottom
    setpoint: 1800
    primary: {type: sim}
    secondary: {type: sim}
`

func TestParseOverlaysDefaults(t *testing.T) {
	cfg := Default()
	if err := Parse([]byte(simYAML), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Tick != 10*time.Millisecond || cfg.MaxSpeed != 3000 {
		t.Errorf("tick %v max %v", cfg.Tick, cfg.MaxSpeed)
	}
	// Untouched fields keep their defaults.
	if cfg.Period != 24 || cfg.Log.Capacity != 10000 {
		t.Errorf("period %d capacity %d", cfg.Period, cfg.Log.Capacity)
	}
	if cfg.Gains.P != 2 || cfg.Gains.D != 0 {
		t.Errorf("gains %+v", cfg.Gains)
	}
	if cfg.Sim.Step != 500*time.Microsecond || cfg.Sim.Params.TimeConstant != 250*time.Millisecond {
		t.Errorf("sim %+v", cfg.Sim)
	}
	if len(cfg.Sides) != 2 {
		t.Fatalf("sides %+v", cfg.Sides)
	}
	if cfg.Sides[0].Primary.Type != ChannelNone || cfg.Sides[0].Feedback != wheel.FeedbackTachometer {
		t.Errorf("top %+v", cfg.Sides[0])
	}
	if cfg.Sides[1].Feedback != wheel.FeedbackController {
		t.Errorf("bottom feedback %q", cfg.Sides[1].Feedback)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "tock: 1s", "not found"},
		{"zero tick", "tick: 0s", "tick"},
		{"bad channel type", "sides: [{name: a, secondary: {type: stepper}}]", "unknown channel type"},
		{"missing secondary", "sides: [{name: a}]", "secondary"},
		{"jaguar id", "sides: [{name: a, secondary: {type: jaguar, id: 99}}]", "out of range"},
		{"duplicate side", "sides: [{name: a, secondary: {type: sim}}, {name: a, secondary: {type: sim}}]", "twice"},
		{"pwm without tach", "sides: [{name: a, secondary: {type: pwm, id: 1, full_scale_rpm: 4000}}]", "tachometer"},
		{"too many sides", "period: 2\nsides: [{name: a, secondary: {type: sim}}, {name: b, secondary: {type: sim}}]", "fit"},
		{"bad feedback", "sides: [{name: a, feedback: sonar, secondary: {type: sim}}]", "feedback"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			err := Parse([]byte(tc.yaml), &cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestWriteInUseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	if err := Parse([]byte(simYAML), &cfg); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "in-use.yaml")
	if err := WriteInUse(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Tick != cfg.Tick || len(again.Sides) != 2 || again.Sides[1].Setpoint != 1800 ||
		again.Sim.Params.TimeConstant != cfg.Sim.Params.TimeConstant {
		t.Errorf("round trip changed config:\n%+v\n%+v", cfg, again)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
