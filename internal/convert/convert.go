// Package convert turns raw sensor counts into SI units in the filter's body
// frame. The sensors are mounted with different axis conventions, so each
// conversion also remaps axes.
package convert

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// StandardGravity in m/s².
const StandardGravity = 9.81

// Default gains for the power-on ranges: ±1.3 Ga compass, ±2 g accelerometer,
// ±250 °/s gyroscope.
const (
	DefaultMagnetometerGain  = 1090
	DefaultAccelerometerGain = 16384
	DefaultGyroscopeGain     = 131
)

// Gains are counts per unit: counts/Ga, counts/g and counts/(°/s).
type Gains struct {
	Magnetometer  float64 `json:"magnetometer"`
	Accelerometer float64 `json:"accelerometer"`
	Gyroscope     float64 `json:"gyroscope"`
}

// Converter is a value type; conversions never modify it.
type Converter struct {
	Gains Gains
	// MagnetometerBias is subtracted after scaling and remapping, in Ga.
	MagnetometerBias r3.Vec
}

// New returns a Converter with the default gains and no bias.
func New() Converter {
	return Converter{Gains: Gains{
		Magnetometer:  DefaultMagnetometerGain,
		Accelerometer: DefaultAccelerometerGain,
		Gyroscope:     DefaultGyroscopeGain,
	}}
}

// Magnetic converts compass counts to Ga. The compass reports x, z, y.
func (c Converter) Magnetic(raw [3]int16) r3.Vec {
	g := c.Gains.Magnetometer
	m := r3.Vec{
		X: float64(raw[0]) / g,
		Y: float64(raw[2]) / g,
		Z: float64(raw[1]) / g,
	}
	return r3.Sub(m, c.MagnetometerBias)
}

// Acceleration converts accelerometer counts to m/s².
func (c Converter) Acceleration(raw [3]int16) r3.Vec {
	k := StandardGravity / c.Gains.Accelerometer
	return r3.Vec{
		X: -float64(raw[1]) * k,
		Y: float64(raw[2]) * k,
		Z: float64(raw[0]) * k,
	}
}

// Rate converts gyroscope counts to rad/s.
func (c Converter) Rate(raw [3]int16) r3.Vec {
	k := math.Pi / 180 / c.Gains.Gyroscope
	return r3.Vec{
		X: float64(raw[1]) * k,
		Y: -float64(raw[2]) * k,
		Z: -float64(raw[0]) * k,
	}
}
