package hardware

import (
	"context"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/wheel"
)

// Interface is the shooter's physical (or simulated) plant: the configured
// wheel sides wired to their motors and sensors.
type Interface interface {
	Sides() []*wheel.Side
	// Log is the event log every component of this hardware writes to.  Its
	// timestamps come from the same clock as the tachometers.
	Log() *eventlog.EventLog

	// Start runs any background loops the hardware needs (bus receivers,
	// software speed loops, the simulation).  They run until ctx is done or
	// Shutdown is called.
	Start(ctx context.Context)
	Shutdown()
}
