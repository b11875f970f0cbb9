package pid

import "math"

type Gains struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// Valid reports whether all gains are finite.
func (g Gains) Valid() bool {
	for _, v := range []float64{g.P, g.I, g.D} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Source is anything that can be used as the measured input of a loop.
type Source interface {
	Rate() float64
}

// Controller is a discrete PID loop with a clamped integral term and a
// clamped output.  It is not safe for concurrent use.
type Controller struct {
	gains     Gains
	minOut    float64
	maxOut    float64
	maxInt    float64
	integral  float64
	lastError float64
	primed    bool
}

// New returns a controller whose output is clamped to [minOut, maxOut].
// maxIntegral bounds the accumulated error*seconds.
func New(gains Gains, minOut, maxOut, maxIntegral float64) *Controller {
	return &Controller{
		gains:  gains,
		minOut: minOut,
		maxOut: maxOut,
		maxInt: maxIntegral,
	}
}

func (c *Controller) SetGains(g Gains) {
	c.gains = g
}

func (c *Controller) SetIntegralLimit(maxIntegral float64) {
	c.maxInt = maxIntegral
}

func (c *Controller) Gains() Gains {
	return c.gains
}

func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.primed = false
}

// Update runs one step and returns the new output.  dtSecs <= 0 is ignored
// for the integral and derivative terms.
func (c *Controller) Update(setpoint, measured, dtSecs float64) float64 {
	err := setpoint - measured

	var dErr float64
	if dtSecs > 0 {
		c.integral += err * dtSecs
		if c.integral > c.maxInt {
			c.integral = c.maxInt
		} else if c.integral < -c.maxInt {
			c.integral = -c.maxInt
		}
		if c.primed {
			dErr = (err - c.lastError) / dtSecs
		}
	}
	c.lastError = err
	c.primed = true

	out := c.gains.P*err + c.gains.I*c.integral + c.gains.D*dErr
	if out > c.maxOut {
		out = c.maxOut
	} else if out < c.minOut {
		out = c.minOut
	}
	return out
}
