// Package db records link sessions to sqlite: converted samples, every
// estimator step and each completed calibration.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens the database and applies the connection pragmas without
// touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the pragmas and WAL state consistent.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and migrates it to the latest embedded schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Session is one run of the link.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Port      string    `json:"port"`
	Note      string    `json:"note"`
}

// StartSession inserts a new session row with a random id.
func (db *DB) StartSession(port, note string, startedAt time.Time) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
		Port:      port,
		Note:      note,
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix_nanos, port, note) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Port, s.Note,
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT session_id, started_unix_nanos, port, note FROM sessions
		ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s     Session
			nanos int64
		)
		if err := rows.Scan(&s.ID, &nanos, &s.Port, &s.Note); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, nanos).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Estimates returns up to limit estimates of a session in the order they
// were recorded.
func (db *DB) Estimates(sessionID string, limit int) ([]ekf.Estimate, error) {
	rows, err := db.Query(
		`SELECT unix_nanos, step, e0, e1, e2, e3, covariance FROM estimates
		WHERE session_id = ? ORDER BY rowid LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var estimates []ekf.Estimate
	for rows.Next() {
		var (
			e     ekf.Estimate
			nanos int64
			step  string
			cov   string
		)
		if err := rows.Scan(&nanos, &step, &e.Quaternion[0], &e.Quaternion[1], &e.Quaternion[2], &e.Quaternion[3], &cov); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cov), &e.Covariance); err != nil {
			return nil, fmt.Errorf("failed to parse covariance: %w", err)
		}
		e.Time = time.Unix(0, nanos).UTC()
		e.Step = ekf.Step(step)
		estimates = append(estimates, e)
	}
	return estimates, rows.Err()
}

// Calibrations returns every calibration of a session, oldest first.
func (db *DB) Calibrations(sessionID string) ([]fusion.Calibration, error) {
	rows, err := db.Query(
		`SELECT ax, ay, az, mx, my, mz, p_bias, q_bias, r_bias,
			accel_samples, magnetic_samples, rate_samples
		FROM calibrations WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fusion.Calibration
	for rows.Next() {
		var c fusion.Calibration
		if err := rows.Scan(
			&c.Accel.X, &c.Accel.Y, &c.Accel.Z,
			&c.Magnetic.X, &c.Magnetic.Y, &c.Magnetic.Z,
			&c.RateBias.X, &c.RateBias.Y, &c.RateBias.Z,
			&c.AccelSamples, &c.MagneticSamples, &c.RateSamples,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SampleCounts returns how many inertial and magnetic samples a session holds.
func (db *DB) SampleCounts(sessionID string) (inertial, magnetic int, err error) {
	if err = db.QueryRow(`SELECT COUNT(*) FROM inertial_samples WHERE session_id = ?`, sessionID).Scan(&inertial); err != nil {
		return 0, 0, err
	}
	if err = db.QueryRow(`SELECT COUNT(*) FROM magnetic_samples WHERE session_id = ?`, sessionID).Scan(&magnetic); err != nil {
		return 0, 0, err
	}
	return inertial, magnetic, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("db: failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "IMU recordings",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupName := fmt.Sprintf("imu-backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(os.TempDir(), backupName)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupName))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("db: failed to stream backup: %v", err)
		}
	}))
}
