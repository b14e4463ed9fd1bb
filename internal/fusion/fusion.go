// Package fusion drives the orientation filter from converted sensor samples.
// It starts out calibrating: samples are buffered while the board rests, and
// leaving calibration turns the buffered means into the reference vectors and
// gyro bias used while tracking.
package fusion

import (
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
)

// ErrIncompleteCalibration is returned when calibration cannot finish because
// a sensor produced no samples.
var ErrIncompleteCalibration = errors.New("fusion: calibration buffers incomplete")

// Config holds the measurement model.
type Config struct {
	// AccelVariance and MagVariance are the diagonal of Ra and Rm.
	AccelVariance float64
	MagVariance   float64
	// NormaliseMagnetometer scales magnetometer samples to unit length.
	NormaliseMagnetometer bool
	// Paired enables joint accelerometer + magnetometer updates when both
	// samples fall within PairWindow seconds of each other.
	Paired     bool
	PairWindow float64
	// AccelUpdateOnRate measures the accelerometer on every inertial sample.
	AccelUpdateOnRate bool
}

// DefaultConfig returns Ra = 0.1·I, Rm = 0.01·I, normalised magnetometer and
// unpaired updates.
func DefaultConfig() Config {
	return Config{
		AccelVariance:         0.1,
		MagVariance:           0.01,
		NormaliseMagnetometer: true,
		PairWindow:            0.02,
		AccelUpdateOnRate:     true,
	}
}

// Calibration is the outcome of a completed calibration.
type Calibration struct {
	Accel    r3.Vec `json:"accel"`
	Magnetic r3.Vec `json:"magnetic"`
	RateBias r3.Vec `json:"rate_bias"`

	AccelSamples    int `json:"accel_samples"`
	MagneticSamples int `json:"magnetic_samples"`
	RateSamples     int `json:"rate_samples"`
}

// CalibrationSink is told about every completed calibration.
type CalibrationSink interface {
	RecordCalibration(Calibration) error
}

// BufferSizes reports how many samples each calibration buffer holds.
type BufferSizes struct {
	Accel    int `json:"accel"`
	Magnetic int `json:"magnetic"`
	Rate     int `json:"rate"`
}

type timedVec struct {
	t  float64
	v  r3.Vec
	ok bool
}

// Manager is safe for concurrent use; sample callbacks arrive on the read loop
// while the API reads state from other goroutines.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	filter ekf.Stepper
	sink   CalibrationSink

	calibrating bool
	accelBuf    []r3.Vec
	rateBuf     []r3.Vec
	magBuf      []r3.Vec

	cal Calibration

	anchor    float64
	hasAnchor bool
	lastAccel timedVec
	lastMag   timedVec
}

// NewManager returns a Manager in the calibrating state.
func NewManager(filter ekf.Stepper, cfg Config) *Manager {
	monitoring.Calibrating.Set(1)
	return &Manager{
		cfg:         cfg,
		filter:      filter,
		calibrating: true,
	}
}

// SetCalibrationSink sets where completed calibrations are reported.
func (m *Manager) SetCalibrationSink(sink CalibrationSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetCalibrating switches between calibrating and tracking. Entering
// calibration only flips the state. Leaving it requires every buffer to hold
// at least one sample; otherwise the manager stays calibrating and
// ErrIncompleteCalibration is returned.
func (m *Manager) SetCalibrating(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on {
		if !m.calibrating {
			m.calibrating = true
			monitoring.Calibrating.Set(1)
		}
		return nil
	}
	if !m.calibrating {
		return nil
	}
	if len(m.accelBuf) == 0 || len(m.rateBuf) == 0 || len(m.magBuf) == 0 {
		return ErrIncompleteCalibration
	}

	m.cal = Calibration{
		Accel:           mean(m.accelBuf),
		Magnetic:        mean(m.magBuf),
		RateBias:        mean(m.rateBuf),
		AccelSamples:    len(m.accelBuf),
		MagneticSamples: len(m.magBuf),
		RateSamples:     len(m.rateBuf),
	}
	m.accelBuf, m.rateBuf, m.magBuf = nil, nil, nil

	m.filter.Reset()
	m.hasAnchor = false
	m.lastAccel = timedVec{}
	m.lastMag = timedVec{}
	m.calibrating = false
	monitoring.Calibrating.Set(0)

	monitoring.Logf("fusion: calibrated a0=%v m0=%v pqr0=%v", m.cal.Accel, m.cal.Magnetic, m.cal.RateBias)
	if m.sink != nil {
		if err := m.sink.RecordCalibration(m.cal); err != nil {
			monitoring.Logf("fusion: failed to record calibration: %v", err)
		}
	}
	return nil
}

// OnInertial consumes an accelerometer + gyroscope sample taken at t seconds.
func (m *Manager) OnInertial(t float64, accel, rate r3.Vec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calibrating {
		m.accelBuf = append(m.accelBuf, accel)
		m.rateBuf = append(m.rateBuf, rate)
		return
	}

	rate = r3.Sub(rate, m.cal.RateBias)
	if m.hasAnchor {
		if err := m.filter.Predict(rate, t-m.anchor); err != nil {
			m.reject("predict", err)
		}
	}
	// a reordered sample must not pull the anchor back
	if !m.hasAnchor || t > m.anchor {
		m.anchor = t
		m.hasAnchor = true
	}
	m.lastAccel = timedVec{t: t, v: accel, ok: true}

	if !m.cfg.AccelUpdateOnRate {
		return
	}
	if m.pairable(t, m.lastMag) {
		R := ekf.BlockDiag(ekf.Isotropic(3, m.cfg.AccelVariance), ekf.Isotropic(3, m.cfg.MagVariance))
		m.measure([]r3.Vec{accel, m.lastMag.v}, []r3.Vec{m.cal.Accel, m.cal.Magnetic}, R)
		return
	}
	m.measure([]r3.Vec{accel}, []r3.Vec{m.cal.Accel}, ekf.Isotropic(3, m.cfg.AccelVariance))
}

// OnMagnetic consumes a magnetometer sample taken at t seconds.
func (m *Manager) OnMagnetic(t float64, mag r3.Vec) {
	if m.cfg.NormaliseMagnetometer {
		norm := r3.Norm(mag)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			monitoring.Logf("fusion: dropping magnetometer sample with norm %g", norm)
			return
		}
		mag = r3.Scale(1/norm, mag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calibrating {
		m.magBuf = append(m.magBuf, mag)
		return
	}

	m.lastMag = timedVec{t: t, v: mag, ok: true}
	if m.pairable(t, m.lastAccel) {
		R := ekf.BlockDiag(ekf.Isotropic(3, m.cfg.MagVariance), ekf.Isotropic(3, m.cfg.AccelVariance))
		m.measure([]r3.Vec{mag, m.lastAccel.v}, []r3.Vec{m.cal.Magnetic, m.cal.Accel}, R)
		return
	}
	m.measure([]r3.Vec{mag}, []r3.Vec{m.cal.Magnetic}, ekf.Isotropic(3, m.cfg.MagVariance))
}

func (m *Manager) pairable(t float64, other timedVec) bool {
	return m.cfg.Paired && other.ok && math.Abs(t-other.t) <= m.cfg.PairWindow
}

func (m *Manager) measure(body, ref []r3.Vec, R *mat.SymDense) {
	if err := m.filter.Measure(body, ref, R); err != nil {
		m.reject("measure", err)
	}
}

func (m *Manager) reject(step string, err error) {
	monitoring.EstimatorFailures.WithLabelValues(step).Inc()
	monitoring.Logf("fusion: %s skipped: %v", step, err)
}

// Calibrating reports whether samples are being buffered.
func (m *Manager) Calibrating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibrating
}

// Orientation returns a copy of the filter state.
func (m *Manager) Orientation() ekf.State {
	return m.filter.State()
}

// References returns the calibration in effect. It is the zero value until
// the first calibration completes.
func (m *Manager) References() Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cal
}

func (m *Manager) BufferSizes() BufferSizes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return BufferSizes{Accel: len(m.accelBuf), Magnetic: len(m.magBuf), Rate: len(m.rateBuf)}
}

func mean(vs []r3.Vec) r3.Vec {
	xs := make([]float64, len(vs))
	ys := make([]float64, len(vs))
	zs := make([]float64, len(vs))
	for i, v := range vs {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return r3.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}
