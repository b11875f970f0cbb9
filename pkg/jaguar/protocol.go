package jaguar

import (
	"encoding/binary"
	"math"

	"go.einride.tech/can"
)

// Extended identifier layout:
//
//	[28:24] device type
//	[23:16] manufacturer
//	[15:10] API class
//	[9:6]   API index
//	[5:0]   device number
const (
	DeviceTypeMotorController = 2
	ManufacturerTI            = 2

	MaxDeviceNumber = 63
)

type APIClass uint32

const (
	ClassVoltage APIClass = 0
	ClassSpeed   APIClass = 1
	ClassStatus  APIClass = 5
)

// Voltage class.
const (
	VoltEnable  = 0
	VoltDisable = 1
	VoltSet     = 2
)

// Speed class.
const (
	SpeedEnable    = 0
	SpeedDisable   = 1
	SpeedSet       = 2
	SpeedP         = 3
	SpeedI         = 4
	SpeedD         = 5
	SpeedReference = 6
)

// Status class.
const (
	StatusOutput  = 0
	StatusCurrent = 3
	StatusSpeed   = 5
)

// Speed reference selector for SpeedReference.
const RefEncoder = 0

const (
	deviceShift = 0
	indexShift  = 6
	classShift  = 10
	mfrShift    = 16
	typeShift   = 24
)

func MessageID(class APIClass, index uint32, device uint8) uint32 {
	return DeviceTypeMotorController<<typeShift |
		ManufacturerTI<<mfrShift |
		uint32(class)<<classShift |
		(index&0xf)<<indexShift |
		uint32(device&0x3f)<<deviceShift
}

// SplitID decodes an identifier.  ok is false for frames not addressed to or
// from a TI motor controller.
func SplitID(id uint32) (class APIClass, index uint32, device uint8, ok bool) {
	if id>>typeShift&0x1f != DeviceTypeMotorController || id>>mfrShift&0xff != ManufacturerTI {
		return 0, 0, 0, false
	}
	return APIClass(id >> classShift & 0x3f), id >> indexShift & 0xf, uint8(id & 0x3f), true
}

func newFrame(id uint32, payload []byte) can.Frame {
	f := can.Frame{
		ID:         id,
		IsExtended: true,
		Length:     uint8(len(payload)),
	}
	copy(f.Data[:], payload)
	return f
}

// Voltage fractions are signed 16-bit, full scale = 1.0.
func encodeFraction(fraction float64) []byte {
	v := int16(math.Round(fraction * math.MaxInt16))
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

func decodeFraction(b []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b))) / math.MaxInt16
}

// Speeds and gains are signed 16.16 fixed point.
func encodeFixed16(v float64) []byte {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	} else if v < math.MinInt16 {
		v = math.MinInt16
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(math.Round(v*65536))))
	return b[:]
}

func decodeFixed16(b []byte) float64 {
	return float64(int32(binary.LittleEndian.Uint32(b))) / 65536
}

// Current is unsigned 8.8 fixed point amps.
func encodeFixed8(v float64) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(math.Round(v*256)))
	return b[:]
}

func decodeFixed8(b []byte) float64 {
	return float64(binary.LittleEndian.Uint16(b)) / 256
}
