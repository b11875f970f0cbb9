package pid

import (
	"math"
	"testing"
)

func TestProportionalOnly(t *testing.T) {
	c := New(Gains{P: 0.001}, -1, 1, 10)
	if out := c.Update(2000, 1500, 0.02); math.Abs(out-0.5) > 1e-9 {
		t.Fatalf("Expected 0.5, got %f", out)
	}
	if out := c.Update(2000, 0, 0.02); out != 1 {
		t.Fatalf("Output should clamp to 1, got %f", out)
	}
	if out := c.Update(0, 5000, 0.02); out != -1 {
		t.Fatalf("Output should clamp to -1, got %f", out)
	}
}

func TestIntegralIsClamped(t *testing.T) {
	c := New(Gains{I: 1}, -100, 100, 2)
	var out float64
	for i := 0; i < 100; i++ {
		out = c.Update(10, 0, 1)
	}
	if out != 2 {
		t.Fatalf("Integral term should saturate at 2, got %f", out)
	}
	c.Reset()
	if out := c.Update(10, 0, 0); out != 0 {
		t.Fatalf("Reset should clear the integral, got %f", out)
	}
}

func TestDerivativeSkipsFirstSample(t *testing.T) {
	c := New(Gains{D: 1}, -1000, 1000, 1000)
	if out := c.Update(100, 0, 0.5); out != 0 {
		t.Fatalf("First sample should have no derivative kick, got %f", out)
	}
	// Error falls from 100 to 50 over 0.5s.
	if out := c.Update(100, 50, 0.5); math.Abs(out+100) > 1e-9 {
		t.Fatalf("Expected -100, got %f", out)
	}
}

func TestGainsValid(t *testing.T) {
	if !(Gains{P: 1, I: 0.005}).Valid() {
		t.Error("Finite gains should be valid")
	}
	if (Gains{P: math.NaN()}).Valid() || (Gains{D: math.Inf(1)}).Valid() {
		t.Error("Non-finite gains should be invalid")
	}
}
