// Package protocol describes the packets exchanged with the sensor board: the
// header table, the host commands and the typed decoders for device packets.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Host to device command opcodes.
const (
	CmdStartMeasurements byte = 0x01
	CmdStopMeasurements  byte = 0x02
	CmdBusRead           byte = 0x03
	CmdBusWrite          byte = 0x04
)

// Fixed second bytes of the start/stop commands.
const (
	startMagic byte = 0xA4
	stopMagic  byte = 0x4A
)

// MaxBusTransfer is the largest data length a bus command can describe.
const MaxBusTransfer = 0xFF

var (
	// ErrShortPacket is returned when a packet body is shorter than its layout.
	ErrShortPacket = errors.New("protocol: packet too short")
	// ErrBadLength is returned when a body does not have the exact expected size.
	ErrBadLength = errors.New("protocol: unexpected packet length")
)

// Headers maps each device packet kind to its header byte. The values are
// fixed by the firmware but kept configurable for alternative builds.
type Headers struct {
	Magnetic uint8 `json:"magnetic"`
	NotReady uint8 `json:"not_ready"`
	Inertial uint8 `json:"inertial"`
	StartAck uint8 `json:"start_ack"`
	StopAck  uint8 `json:"stop_ack"`
	Invalid  uint8 `json:"invalid"`
	ReadAck  uint8 `json:"read_ack"`
	WriteAck uint8 `json:"write_ack"`
}

// DefaultHeaders returns the header table used by the reference firmware.
func DefaultHeaders() Headers {
	return Headers{
		Magnetic: 0x01,
		NotReady: 0x02,
		Inertial: 0x03,
		StartAck: 0x04,
		StopAck:  0x05,
		Invalid:  0x06,
		ReadAck:  0x07,
		WriteAck: 0x08,
	}
}

// Validate checks that no two packet kinds share a header.
func (h Headers) Validate() error {
	seen := make(map[uint8]string, 8)
	for _, entry := range []struct {
		name  string
		value uint8
	}{
		{"magnetic", h.Magnetic},
		{"not_ready", h.NotReady},
		{"inertial", h.Inertial},
		{"start_ack", h.StartAck},
		{"stop_ack", h.StopAck},
		{"invalid", h.Invalid},
		{"read_ack", h.ReadAck},
		{"write_ack", h.WriteAck},
	} {
		if other, ok := seen[entry.value]; ok {
			return fmt.Errorf("header 0x%02X used by both %s and %s", entry.value, other, entry.name)
		}
		seen[entry.value] = entry.name
	}
	return nil
}

// Packet is a decoded frame split into its header and body. The body aliases
// the transport buffer and is only valid for the duration of dispatch.
type Packet struct {
	Header byte
	Body   []byte
}

// Split turns a decoded frame payload into a Packet. An empty payload has no
// header and reports ok=false.
func Split(payload []byte) (Packet, bool) {
	if len(payload) == 0 {
		return Packet{}, false
	}
	return Packet{Header: payload[0], Body: payload[1:]}, true
}

// String renders the packet for logs and the admin tail.
func (p Packet) String() string {
	return fmt.Sprintf("[%02X] % X", p.Header, p.Body)
}

// StartCommand returns the command that starts sample streaming.
func StartCommand() []byte {
	return []byte{CmdStartMeasurements, startMagic}
}

// StopCommand returns the command that stops sample streaming.
func StopCommand() []byte {
	return []byte{CmdStopMeasurements, stopMagic}
}

// BusReadCommand requests n bytes from register reg of the device at addr.
func BusReadCommand(addr, reg, n byte) []byte {
	return []byte{CmdBusRead, addr, reg, n}
}

// BusWriteCommand writes data to register reg of the device at addr.
func BusWriteCommand(addr, reg byte, data []byte) ([]byte, error) {
	if len(data) > MaxBusTransfer {
		return nil, fmt.Errorf("bus write of %d bytes exceeds %d", len(data), MaxBusTransfer)
	}
	cmd := make([]byte, 0, 4+len(data))
	cmd = append(cmd, CmdBusWrite, addr, reg, byte(len(data)))
	return append(cmd, data...), nil
}

const (
	magneticBodyLen = 10
	inertialBodyLen = 18
)

// MagneticSample is a raw magnetometer reading.
type MagneticSample struct {
	Micros uint32   // device clock, microseconds
	Field  [3]int16 // raw axis counts in device order
}

// InertialSample is a raw accelerometer and gyroscope reading.
type InertialSample struct {
	Micros      uint32
	Accel       [3]int16
	Temperature int16
	Rate        [3]int16
}

// ParseMagneticSample decodes the 10 byte magnetometer body: a little-endian
// microsecond timestamp then three big-endian axis readings.
func ParseMagneticSample(body []byte) (MagneticSample, error) {
	if len(body) != magneticBodyLen {
		return MagneticSample{}, fmt.Errorf("magnetic sample: got %d bytes, want %d: %w", len(body), magneticBodyLen, ErrBadLength)
	}
	var s MagneticSample
	s.Micros = binary.LittleEndian.Uint32(body[0:4])
	for i := range s.Field {
		s.Field[i] = int16(binary.BigEndian.Uint16(body[4+2*i:]))
	}
	return s, nil
}

// ParseInertialSample decodes the 18 byte accel+rate body: a little-endian
// timestamp then seven big-endian values (accel x3, temperature, rate x3).
func ParseInertialSample(body []byte) (InertialSample, error) {
	if len(body) != inertialBodyLen {
		return InertialSample{}, fmt.Errorf("inertial sample: got %d bytes, want %d: %w", len(body), inertialBodyLen, ErrBadLength)
	}
	var s InertialSample
	s.Micros = binary.LittleEndian.Uint32(body[0:4])
	word := func(i int) int16 { return int16(binary.BigEndian.Uint16(body[4+2*i:])) }
	for i := 0; i < 3; i++ {
		s.Accel[i] = word(i)
		s.Rate[i] = word(4 + i)
	}
	s.Temperature = word(3)
	return s, nil
}

// ReadAck is the device's answer to a bus read.
type ReadAck struct {
	Addr, Reg byte
	// Data is nil when the device reported zero bytes read.
	Data []byte
}

// ParseReadAck decodes [addr, reg, n, data[0..n]]. Data is copied out of body.
func ParseReadAck(body []byte) (ReadAck, error) {
	if len(body) < 3 {
		return ReadAck{}, fmt.Errorf("read ack: %d bytes: %w", len(body), ErrShortPacket)
	}
	ack := ReadAck{Addr: body[0], Reg: body[1]}
	n := int(body[2])
	if n == 0 {
		return ack, nil
	}
	if len(body) < 3+n {
		return ack, fmt.Errorf("read ack: declares %d bytes, has %d: %w", n, len(body)-3, ErrShortPacket)
	}
	ack.Data = append([]byte(nil), body[3:3+n]...)
	return ack, nil
}

// WriteAck is the device's answer to a bus write.
type WriteAck struct {
	Addr, Reg byte
	Written   int
}

// ParseWriteAck decodes [addr, reg, n_written].
func ParseWriteAck(body []byte) (WriteAck, error) {
	if len(body) < 3 {
		return WriteAck{}, fmt.Errorf("write ack: %d bytes: %w", len(body), ErrShortPacket)
	}
	return WriteAck{Addr: body[0], Reg: body[1], Written: int(body[2])}, nil
}

// InvalidNotice is reported by the firmware when it could not parse a command.
type InvalidNotice struct {
	Length  int
	Content []byte
}

// ParseInvalidNotice decodes [len, bytes...].
func ParseInvalidNotice(body []byte) (InvalidNotice, error) {
	if len(body) < 1 {
		return InvalidNotice{}, fmt.Errorf("invalid notice: %w", ErrShortPacket)
	}
	return InvalidNotice{Length: int(body[0]), Content: append([]byte(nil), body[1:]...)}, nil
}

// String renders the notice as hex followed by its printable ASCII form.
func (n InvalidNotice) String() string {
	ascii := make([]byte, len(n.Content))
	for i, b := range n.Content {
		if b >= 0x20 && b < 0x7F {
			ascii[i] = b
		} else {
			ascii[i] = '.'
		}
	}
	return fmt.Sprintf("invalid packet (len=%d) % X ascii=%q", n.Length, n.Content, ascii)
}
