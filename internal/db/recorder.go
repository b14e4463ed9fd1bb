package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/timeutil"
)

// DefaultBatchSize is how many rows a Recorder holds before writing them.
const DefaultBatchSize = 256

// Recorder appends the rows of one session. Rows are batched in memory and
// written in a single transaction by Run, on each tick and whenever a full
// batch or a calibration asks for it, or by an explicit Flush. The Record
// methods never touch the database, so they are safe to call from the read
// loop. It implements ekf.Sink and fusion.CalibrationSink.
type Recorder struct {
	db        *DB
	session   Session
	clock     timeutil.Clock
	batchSize int
	flush     chan struct{}

	mu      sync.Mutex
	pending []row
	dropped int
}

type row struct {
	query string
	args  []any
}

// NewRecorder starts a new session on db. A nil clock uses the wall clock.
func NewRecorder(db *DB, port, note string, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	session, err := db.StartSession(port, note, clock.Now())
	if err != nil {
		return nil, err
	}
	return &Recorder{
		db:        db,
		session:   session,
		clock:     clock,
		batchSize: DefaultBatchSize,
		flush:     make(chan struct{}, 1),
	}, nil
}

// Session returns the session the recorder writes to.
func (r *Recorder) Session() Session {
	return r.session
}

// RecordInertial queues a converted accelerometer and gyroscope sample.
func (r *Recorder) RecordInertial(t float64, accel, rate r3.Vec, temperature int16) error {
	return r.add(row{
		query: `INSERT INTO inertial_samples (session_id, device_seconds, ax, ay, az, p, q, r, temperature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{r.session.ID, t, accel.X, accel.Y, accel.Z, rate.X, rate.Y, rate.Z, temperature},
	})
}

// RecordMagnetic queues a converted magnetometer sample.
func (r *Recorder) RecordMagnetic(t float64, mag r3.Vec) error {
	return r.add(row{
		query: `INSERT INTO magnetic_samples (session_id, device_seconds, mx, my, mz) VALUES (?, ?, ?, ?, ?)`,
		args:  []any{r.session.ID, t, mag.X, mag.Y, mag.Z},
	})
}

func (r *Recorder) RecordEstimate(e ekf.Estimate) error {
	cov, err := json.Marshal(e.Covariance)
	if err != nil {
		return fmt.Errorf("failed to encode covariance: %w", err)
	}
	return r.add(row{
		query: `INSERT INTO estimates (session_id, unix_nanos, step, e0, e1, e2, e3, covariance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{r.session.ID, e.Time.UnixNano(), string(e.Step),
			e.Quaternion[0], e.Quaternion[1], e.Quaternion[2], e.Quaternion[3], string(cov)},
	})
}

// RecordCalibration queues the calibration and asks Run to write it, along
// with anything already queued, without waiting for the next tick.
func (r *Recorder) RecordCalibration(c fusion.Calibration) error {
	err := r.add(row{
		query: `INSERT INTO calibrations (session_id, unix_nanos, ax, ay, az, mx, my, mz,
				p_bias, q_bias, r_bias, accel_samples, magnetic_samples, rate_samples)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{r.session.ID, r.clock.Now().UnixNano(),
			c.Accel.X, c.Accel.Y, c.Accel.Z,
			c.Magnetic.X, c.Magnetic.Y, c.Magnetic.Z,
			c.RateBias.X, c.RateBias.Y, c.RateBias.Z,
			c.AccelSamples, c.MagneticSamples, c.RateSamples},
	})
	if err != nil {
		return err
	}
	r.requestFlush()
	return nil
}

func (r *Recorder) add(rw row) error {
	r.mu.Lock()
	r.pending = append(r.pending, rw)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()
	if full {
		r.requestFlush()
	}
	return nil
}

// requestFlush wakes Run. A request already waiting covers this one.
func (r *Recorder) requestFlush() {
	select {
	case r.flush <- struct{}{}:
	default:
	}
}

// Flush writes every queued row in one transaction. Rows of a failed batch
// are dropped and counted.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := r.write(batch); err != nil {
		r.mu.Lock()
		r.dropped += len(batch)
		r.mu.Unlock()
		return fmt.Errorf("failed to write %d rows: %w", len(batch), err)
	}
	return nil
}

func (r *Recorder) write(batch []row) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, rw := range batch {
		if _, err := tx.Exec(rw.query, rw.args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Pending returns how many rows are queued.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns how many rows were lost to failed writes.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run flushes every interval and on each flush request until ctx ends, then
// flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) error {
	tick := r.clock.NewTimer(interval)
	defer func() { tick.Stop() }()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				monitoring.Logf("db: final flush: %v", err)
			}
			return ctx.Err()
		case <-r.flush:
			if err := r.Flush(); err != nil {
				monitoring.Logf("db: %v", err)
			}
		case <-tick.C():
			if err := r.Flush(); err != nil {
				monitoring.Logf("db: %v", err)
			}
			tick = r.clock.NewTimer(interval)
		}
	}
}
