// Package api is the HTTP control surface of a running link: orientation and
// status readouts, calibration and measurement control, raw bus access and
// the recorded sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/db"
	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/httputil"
	"github.com/williamyang98/QuaternionIMU/internal/imu"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
	"github.com/williamyang98/QuaternionIMU/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultSessionLimit  = 20
	defaultEstimateLimit = 1000
)

// Link is the measurement side of the device link.
type Link interface {
	Start() error
	Stop() error
	Status() imu.Status
}

// Fusion is the part of the fusion manager the API reads and drives.
type Fusion interface {
	Orientation() ekf.State
	References() fusion.Calibration
	Calibrating() bool
	BufferSizes() fusion.BufferSizes
	SetCalibrating(on bool) error
}

// Bus gives raw register access.
type Bus interface {
	Read(ctx context.Context, addr, reg, n byte) ([]byte, error)
	Write(ctx context.Context, addr, reg byte, data []byte) (int, error)
	UnknownAcks() []bus.UnknownAck
	Reset()
}

type Server struct {
	link   Link
	fusion Fusion
	bus    Bus
	db     *db.DB
}

// NewServer returns a Server. database may be nil when recording is disabled;
// the session endpoints then answer 404.
func NewServer(link Link, f Fusion, b Bus, database *db.DB) *Server {
	return &Server{link: link, fusion: f, bus: b, db: database}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/orientation", s.showOrientation)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/measurements/start", s.startMeasurements)
	mux.HandleFunc("/api/measurements/stop", s.stopMeasurements)
	mux.HandleFunc("/api/bus/read", s.busRead)
	mux.HandleFunc("/api/bus/write", s.busWrite)
	mux.HandleFunc("/api/bus/unknown", s.listUnknownAcks)
	mux.HandleFunc("/api/bus/reset", s.resetBus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/estimates", s.listEstimates)
	mux.HandleFunc("/api/sessions/calibrations", s.listCalibrations)
	mux.Handle("/metrics", monitoring.Handler())
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.link.Status())
}

// Orientation is the filter state with the Euler angles in the requested units.
type Orientation struct {
	Quaternion  [4]float64  `json:"quaternion"`
	Covariance  [16]float64 `json:"covariance"`
	Roll        float64     `json:"roll"`
	Pitch       float64     `json:"pitch"`
	Yaw         float64     `json:"yaw"`
	Units       string      `json:"units"`
	Calibrating bool        `json:"calibrating"`
}

func (s *Server) showOrientation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = units.Degrees
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'units' parameter. Must be one of: %s", units.GetValidUnitsString()))
		return
	}
	state := s.fusion.Orientation()
	roll, pitch, yaw := ekf.Euler(state.E)
	httputil.WriteJSONOK(w, Orientation{
		Quaternion:  state.Quaternion(),
		Covariance:  state.Covariance(),
		Roll:        units.ConvertAngle(roll, unit),
		Pitch:       units.ConvertAngle(pitch, unit),
		Yaw:         units.ConvertAngle(yaw, unit),
		Units:       unit,
		Calibrating: s.fusion.Calibrating(),
	})
}

// CalibrationStatus is returned by /api/calibration.
type CalibrationStatus struct {
	Calibrating bool               `json:"calibrating"`
	Buffers     fusion.BufferSizes `json:"buffers"`
	References  fusion.Calibration `json:"references"`
}

// CalibrationRequest switches calibration on or off.
type CalibrationRequest struct {
	Calibrating *bool `json:"calibrating"`
}

func (s *Server) calibrationStatus() CalibrationStatus {
	return CalibrationStatus{
		Calibrating: s.fusion.Calibrating(),
		Buffers:     s.fusion.BufferSizes(),
		References:  s.fusion.References(),
	}
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.calibrationStatus())
	case http.MethodPost:
		var req CalibrationRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.Calibrating == nil {
			httputil.BadRequest(w, "missing 'calibrating'")
			return
		}
		if err := s.fusion.SetCalibrating(*req.Calibrating); err != nil {
			if errors.Is(err, fusion.ErrIncompleteCalibration) {
				httputil.Conflict(w, err.Error())
				return
			}
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.calibrationStatus())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) startMeasurements(w http.ResponseWriter, r *http.Request) {
	s.sendMeasurementCommand(w, r, s.link.Start)
}

func (s *Server) stopMeasurements(w http.ResponseWriter, r *http.Request) {
	s.sendMeasurementCommand(w, r, s.link.Stop)
}

func (s *Server) sendMeasurementCommand(w http.ResponseWriter, r *http.Request, send func() error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := send(); err != nil {
		if errors.Is(err, serialmux.ErrDisabled) {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	// the acknowledgement arrives asynchronously; status reports it
	httputil.WriteJSON(w, http.StatusAccepted, s.link.Status())
}

// HexBytes marshals as space separated hex, e.g. "1E 0A".
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("% X", []byte(h)))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	b, err := serialmux.ParseHexCommand(text)
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", text, err)
	}
	*h = b
	return nil
}

// BusReadRequest reads N bytes starting at Reg.
type BusReadRequest struct {
	Addr uint8 `json:"addr"`
	Reg  uint8 `json:"reg"`
	N    uint8 `json:"n"`
}

type BusReadResponse struct {
	Addr uint8    `json:"addr"`
	Reg  uint8    `json:"reg"`
	Data HexBytes `json:"data"`
}

type BusWriteRequest struct {
	Addr uint8    `json:"addr"`
	Reg  uint8    `json:"reg"`
	Data HexBytes `json:"data"`
}

type BusWriteResponse struct {
	Addr    uint8 `json:"addr"`
	Reg     uint8 `json:"reg"`
	Written int   `json:"written"`
}

// writeBusError maps correlator errors onto HTTP statuses.
func writeBusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		httputil.GatewayTimeout(w, err.Error())
	case errors.Is(err, bus.ErrNotAvailable):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, bus.ErrTransportClosed), errors.Is(err, serialmux.ErrDisabled):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, bus.ErrReset), errors.Is(err, context.Canceled):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) busRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req BusReadRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.N == 0 {
		httputil.BadRequest(w, "'n' must be at least 1")
		return
	}
	data, err := s.bus.Read(r.Context(), req.Addr, req.Reg, req.N)
	if err != nil {
		writeBusError(w, err)
		return
	}
	httputil.WriteJSONOK(w, BusReadResponse{Addr: req.Addr, Reg: req.Reg, Data: data})
}

func (s *Server) busWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req BusWriteRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(req.Data) == 0 || len(req.Data) > protocol.MaxBusTransfer {
		httputil.BadRequest(w, fmt.Sprintf("'data' must hold 1 to %d bytes", protocol.MaxBusTransfer))
		return
	}
	n, err := s.bus.Write(r.Context(), req.Addr, req.Reg, req.Data)
	if err != nil {
		writeBusError(w, err)
		return
	}
	httputil.WriteJSONOK(w, BusWriteResponse{Addr: req.Addr, Reg: req.Reg, Written: n})
}

func (s *Server) listUnknownAcks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	acks := s.bus.UnknownAcks()
	if acks == nil {
		acks = []bus.UnknownAck{}
	}
	httputil.WriteJSONOK(w, acks)
}

func (s *Server) resetBus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.bus.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// queryLimit parses the optional 'limit' parameter.
func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter %q", v)
	}
	return n, nil
}

// sessionQuery validates the common parameters of the session endpoints.
func (s *Server) sessionQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return "", false
	}
	if s.db == nil {
		httputil.NotFound(w, "recording is disabled")
		return "", false
	}
	return strings.TrimSpace(r.URL.Query().Get("session")), true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionQuery(w, r); !ok {
		return
	}
	limit, err := queryLimit(r, defaultSessionLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listEstimates(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionQuery(w, r)
	if !ok {
		return
	}
	if session == "" {
		httputil.BadRequest(w, "missing 'session' parameter")
		return
	}
	limit, err := queryLimit(r, defaultEstimateLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	estimates, err := s.db.Estimates(session, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve estimates: %v", err))
		return
	}
	if estimates == nil {
		estimates = []ekf.Estimate{}
	}
	httputil.WriteJSONOK(w, estimates)
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionQuery(w, r)
	if !ok {
		return
	}
	if session == "" {
		httputil.BadRequest(w, "missing 'session' parameter")
		return
	}
	cals, err := s.db.Calibrations(session)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve calibrations: %v", err))
		return
	}
	if cals == nil {
		cals = []fusion.Calibration{}
	}
	httputil.WriteJSONOK(w, cals)
}
