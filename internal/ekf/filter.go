package ekf

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/timeutil"
)

// Stepper is a stateful estimator. Failed steps leave the state unchanged.
type Stepper interface {
	Predict(pqr r3.Vec, ts float64) error
	Measure(body, ref []r3.Vec, R mat.Symmetric) error
	Reset()
	State() State
}

// Filter owns a State and advances it with an Estimator. It is safe for
// concurrent use.
type Filter struct {
	mu    sync.Mutex
	est   *Estimator
	eps   float64
	state State
}

// NewFilter returns a Filter at the identity orientation with P = eps*I.
func NewFilter(est *Estimator, eps float64) *Filter {
	return &Filter{est: est, eps: eps, state: NewState(eps)}
}

func (f *Filter) Predict(pqr r3.Vec, ts float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.est.Predict(f.state, pqr, ts)
	if err != nil {
		return err
	}
	f.state = next
	return nil
}

func (f *Filter) Measure(body, ref []r3.Vec, R mat.Symmetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.est.Measure(f.state, body, ref, R)
	if err != nil {
		return err
	}
	f.state = next
	return nil
}

// Reset returns the filter to E=[1,0,0,0], P=eps*I.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = NewState(f.eps)
}

// State returns a copy of the current state.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

// Step names the operation that produced an Estimate.
type Step string

const (
	StepPredict Step = "predict"
	StepMeasure Step = "measure"
	StepReset   Step = "reset"
)

// Estimate is one entry in the append-only estimate log.
type Estimate struct {
	Time       time.Time   `json:"time"`
	Step       Step        `json:"step"`
	Quaternion [4]float64  `json:"quaternion"`
	Covariance [16]float64 `json:"covariance"`
}

// Sink receives estimates after each successful step.
type Sink interface {
	RecordEstimate(Estimate) error
}

// MemorySink keeps estimates in memory.
type MemorySink struct {
	mu        sync.Mutex
	estimates []Estimate
}

func (m *MemorySink) RecordEstimate(e Estimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates = append(m.estimates, e)
	return nil
}

// Estimates returns a copy of everything recorded so far.
func (m *MemorySink) Estimates() []Estimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Estimate(nil), m.estimates...)
}

// Latest returns the most recent estimate.
func (m *MemorySink) Latest() (Estimate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.estimates) == 0 {
		return Estimate{}, false
	}
	return m.estimates[len(m.estimates)-1], true
}

// LoggedFilter records every successful step of a Filter to a Sink. Sink
// failures are logged and do not fail the step.
type LoggedFilter struct {
	*Filter
	sink  Sink
	clock timeutil.Clock
}

// NewLoggedFilter wraps f. A nil clock uses the wall clock.
func NewLoggedFilter(f *Filter, sink Sink, clock timeutil.Clock) *LoggedFilter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LoggedFilter{Filter: f, sink: sink, clock: clock}
}

func (l *LoggedFilter) Predict(pqr r3.Vec, ts float64) error {
	if err := l.Filter.Predict(pqr, ts); err != nil {
		return err
	}
	l.record(StepPredict)
	return nil
}

func (l *LoggedFilter) Measure(body, ref []r3.Vec, R mat.Symmetric) error {
	if err := l.Filter.Measure(body, ref, R); err != nil {
		return err
	}
	l.record(StepMeasure)
	return nil
}

func (l *LoggedFilter) Reset() {
	l.Filter.Reset()
	l.record(StepReset)
}

func (l *LoggedFilter) record(step Step) {
	if l.sink == nil {
		return
	}
	s := l.Filter.State()
	err := l.sink.RecordEstimate(Estimate{
		Time:       l.clock.Now(),
		Step:       step,
		Quaternion: s.Quaternion(),
		Covariance: s.Covariance(),
	})
	if err != nil {
		monitoring.Logf("ekf: failed to record %s estimate: %v", step, err)
	}
}
