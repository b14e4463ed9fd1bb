// Package testutil builds device packets and byte streams for tests.
package testutil

import (
	"encoding/binary"
	"testing"

	"github.com/williamyang98/QuaternionIMU/internal/cobs"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
)

// InertialBody encodes an accelerometer + gyroscope sample body.
func InertialBody(micros uint32, accel [3]int16, temperature int16, rate [3]int16) []byte {
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, 18), micros)
	for _, v := range accel {
		b = binary.BigEndian.AppendUint16(b, uint16(v))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(temperature))
	for _, v := range rate {
		b = binary.BigEndian.AppendUint16(b, uint16(v))
	}
	return b
}

// MagneticBody encodes a magnetometer sample body.
func MagneticBody(micros uint32, field [3]int16) []byte {
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, 10), micros)
	for _, v := range field {
		b = binary.BigEndian.AppendUint16(b, uint16(v))
	}
	return b
}

// Frame returns header+body COBS encoded and delimited, as the device sends it.
func Frame(header byte, body []byte) []byte {
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, header)
	return cobs.Encode(append(payload, body...))
}

// Stream concatenates frames.
func Stream(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// MuteLogs silences the diagnostic logger for the rest of the test.
func MuteLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}
