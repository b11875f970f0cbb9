package jaguar

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN is a Transport over a Linux CAN interface such as can0.
type SocketCAN struct {
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver
}

var _ Transport = (*SocketCAN)(nil)

func DialSocketCAN(ctx context.Context, iface string) (*SocketCAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	return &SocketCAN{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
		rx:   socketcan.NewReceiver(conn),
	}, nil
}

func (s *SocketCAN) Send(ctx context.Context, f can.Frame) error {
	return s.tx.TransmitFrame(ctx, f)
}

func (s *SocketCAN) Receive() (can.Frame, error) {
	for s.rx.Receive() {
		if s.rx.HasErrorFrame() {
			continue
		}
		return s.rx.Frame(), nil
	}
	if err := s.rx.Err(); err != nil {
		return can.Frame{}, errors.Wrap(err, "socketcan receive")
	}
	return can.Frame{}, ErrClosed
}

func (s *SocketCAN) Close() error {
	return s.conn.Close()
}
