package jaguar

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.einride.tech/can"
)

// Framing used by the RS-232 bridge:
//
//	0xFF <size> <id, 4 bytes LE> <payload>
//
// size counts the id and payload.  Inside a frame 0xFF is sent as 0xFE 0xFE
// and 0xFE as 0xFE 0xFD, so 0xFF only ever marks the start of a frame.
const (
	serialSOF    = 0xff
	serialEscape = 0xfe
	serialEscFF  = 0xfe
	serialEscFE  = 0xfd

	DefaultBaudRate = 115200
)

// Serial is a Transport for a motor controller chain bridged over a UART.
type Serial struct {
	port io.ReadWriteCloser

	writeLock sync.Mutex
	reader    *bufio.Reader
}

var _ Transport = (*Serial)(nil)

func OpenSerial(device string, baud int) (*Serial, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", device)
	}
	if err := p.SetReadTimeout(serial.NoTimeout); err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "setting read timeout")
	}
	return NewSerial(p), nil
}

// NewSerial wraps an already open byte stream.
func NewSerial(port io.ReadWriteCloser) *Serial {
	return &Serial{
		port:   port,
		reader: bufio.NewReader(port),
	}
}

func (s *Serial) Send(ctx context.Context, f can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := encodeSerialFrame(f)
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err := s.port.Write(buf)
	return errors.Wrap(err, "serial write")
}

func (s *Serial) Receive() (can.Frame, error) {
	for {
		f, err := decodeSerialFrame(s.reader)
		if err == errBadFrame {
			continue
		}
		if err == io.EOF {
			return can.Frame{}, ErrClosed
		}
		return f, err
	}
}

func (s *Serial) Close() error {
	return s.port.Close()
}

var errBadFrame = errors.New("malformed serial frame")

func encodeSerialFrame(f can.Frame) []byte {
	body := make([]byte, 0, 4+f.Length)
	body = binary.LittleEndian.AppendUint32(body, f.ID)
	body = append(body, f.Data[:f.Length]...)

	out := make([]byte, 0, 2+2*len(body)+2)
	out = append(out, serialSOF)
	out = appendEscaped(out, byte(len(body)))
	for _, b := range body {
		out = appendEscaped(out, b)
	}
	return out
}

func appendEscaped(out []byte, b byte) []byte {
	switch b {
	case serialSOF:
		return append(out, serialEscape, serialEscFF)
	case serialEscape:
		return append(out, serialEscape, serialEscFE)
	}
	return append(out, b)
}

// decodeSerialFrame skips to the next start of frame and decodes it.  A
// frame that is cut short by a new start byte or that has an impossible size
// yields errBadFrame; the start byte is left unread so the next call resyncs.
func decodeSerialFrame(r *bufio.Reader) (can.Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return can.Frame{}, err
		}
		if b == serialSOF {
			break
		}
	}
	readByte := func() (byte, error) {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case serialSOF:
			_ = r.UnreadByte()
			return 0, errBadFrame
		case serialEscape:
			e, err := r.ReadByte()
			if err != nil {
				return 0, err
			}
			switch e {
			case serialEscFF:
				return serialSOF, nil
			case serialEscFE:
				return serialEscape, nil
			}
			if e == serialSOF {
				_ = r.UnreadByte()
			}
			return 0, errBadFrame
		}
		return b, nil
	}

	size, err := readByte()
	if err != nil {
		return can.Frame{}, err
	}
	if size < 4 || size > 12 {
		return can.Frame{}, errBadFrame
	}
	body := make([]byte, size)
	for i := range body {
		if body[i], err = readByte(); err != nil {
			return can.Frame{}, err
		}
	}
	return newFrame(binary.LittleEndian.Uint32(body[:4]), body[4:]), nil
}
