package jaguar

import (
	"context"

	"go.einride.tech/can"
)

// Transport moves frames to and from the motor controllers.  Receive blocks
// until a frame arrives or the transport is closed.
type Transport interface {
	Send(ctx context.Context, f can.Frame) error
	Receive() (can.Frame, error)
	Close() error
}
