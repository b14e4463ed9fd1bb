// Package ekf implements a multirate extended Kalman filter over a unit
// quaternion. Predict consumes body angular rates, Measure consumes any number
// of paired body/reference vectors; both may run at independent instants.
//
// Quaternions are scalar first, E = [e0, e1, e2, e3], and describe the rotation
// from the reference frame into the body frame.
package ekf

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidTimestep is returned by Predict for a non-positive or non-finite Ts.
	ErrInvalidTimestep = errors.New("ekf: invalid timestep")
	// ErrNumericDegenerate is returned when the innovation covariance cannot be
	// inverted or the update produced a non-finite state.
	ErrNumericDegenerate = errors.New("ekf: numerically degenerate update")
	// ErrDimension is returned when measurement inputs disagree in size.
	ErrDimension = errors.New("ekf: dimension mismatch")
)

// State is the filter state: quaternion E (4x1) and covariance P (4x4).
type State struct {
	E *mat.VecDense
	P *mat.Dense
}

// NewState returns the identity orientation with covariance eps*I.
func NewState(eps float64) State {
	return State{
		E: mat.NewVecDense(4, []float64{1, 0, 0, 0}),
		P: scaledIdentity(4, eps),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{
		E: mat.VecDenseCopyOf(s.E),
		P: mat.DenseCopyOf(s.P),
	}
}

// Quaternion returns E as an array.
func (s State) Quaternion() [4]float64 {
	return [4]float64{s.E.AtVec(0), s.E.AtVec(1), s.E.AtVec(2), s.E.AtVec(3)}
}

// Covariance returns P flattened row-major.
func (s State) Covariance() [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = s.P.At(i, j)
		}
	}
	return out
}

func (s State) validate() error {
	if s.E == nil || s.P == nil {
		return fmt.Errorf("%w: state not initialised", ErrDimension)
	}
	if s.E.Len() != 4 {
		return fmt.Errorf("%w: quaternion has %d components", ErrDimension, s.E.Len())
	}
	if r, c := s.P.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("%w: covariance is %dx%d", ErrDimension, r, c)
	}
	return nil
}

// Estimator holds the noise model. It carries no orientation state, so one
// Estimator may serve many states concurrently.
type Estimator struct {
	// Q scales the process noise element-wise.
	Q *mat.Dense
	// RateNoise is the variance floor added to each squared rate component
	// when forming the gyro noise covariance.
	RateNoise float64
}

// NewEstimator returns an Estimator with Q = qScale*I.
func NewEstimator(qScale, rateNoise float64) *Estimator {
	return &Estimator{Q: scaledIdentity(4, qScale), RateNoise: rateNoise}
}

// Predict propagates s through one gyro interval of Ts seconds at body rate
// pqr. The input state is not modified.
func (est *Estimator) Predict(s State, pqr r3.Vec, ts float64) (State, error) {
	if !(ts > 0) || math.IsInf(ts, 0) {
		return State{}, fmt.Errorf("%w: Ts=%g", ErrInvalidTimestep, ts)
	}
	if err := s.validate(); err != nil {
		return State{}, err
	}

	e0, e1, e2, e3 := s.E.AtVec(0), s.E.AtVec(1), s.E.AtVec(2), s.E.AtVec(3)
	p, q, r := pqr.X, pqr.Y, pqr.Z

	// Fk = I + 0.5*Omega(pqr)*Ts
	fk := mat.NewDense(4, 4, []float64{
		0, -p, -q, -r,
		p, 0, r, -q,
		q, -r, 0, p,
		r, q, -p, 0,
	})
	fk.Scale(0.5*ts, fk)
	fk.Add(fk, scaledIdentity(4, 1))

	// Wk maps gyro noise into quaternion rate noise.
	wk := mat.NewDense(4, 3, []float64{
		-e1, -e2, -e3,
		e0, -e3, e2,
		e3, e0, -e1,
		-e2, e1, e0,
	})
	wk.Scale(0.5*ts, wk)

	sigma := mat.NewDiagDense(3, []float64{
		p*p + est.RateNoise,
		q*q + est.RateNoise,
		r*r + est.RateNoise,
	})
	var ws, wsw, qk mat.Dense
	ws.Mul(wk, sigma)
	wsw.Mul(&ws, wk.T())
	qk.MulElem(est.Q, &wsw)

	var e mat.VecDense
	e.MulVec(fk, s.E)

	var fp, pk mat.Dense
	fp.Mul(fk, s.P)
	pk.Mul(&fp, fk.T())
	pk.Add(&pk, &qk)

	if err := normalise(&e); err != nil {
		return State{}, err
	}
	if !finite(&pk) {
		return State{}, fmt.Errorf("%w: non-finite covariance after predict", ErrNumericDegenerate)
	}
	return State{E: &e, P: &pk}, nil
}

// Measure corrects s with observed body-frame vectors paired with their known
// reference-frame directions. R is the joint measurement covariance, 3n x 3n
// for n vector pairs. The input state is not modified.
func (est *Estimator) Measure(s State, body, ref []r3.Vec, R mat.Symmetric) (State, error) {
	if err := s.validate(); err != nil {
		return State{}, err
	}
	n := len(body)
	if n == 0 || n != len(ref) {
		return State{}, fmt.Errorf("%w: %d body vectors, %d reference vectors", ErrDimension, len(body), len(ref))
	}
	m := 3 * n
	if R == nil || R.SymmetricDim() != m {
		return State{}, fmt.Errorf("%w: R must be %dx%d", ErrDimension, m, m)
	}

	c := DCM(s.E)
	z := mat.NewVecDense(m, nil)
	zHat := mat.NewVecDense(m, nil)
	hk := mat.NewDense(m, 4, nil)
	for i := range body {
		z.SetVec(3*i, body[i].X)
		z.SetVec(3*i+1, body[i].Y)
		z.SetVec(3*i+2, body[i].Z)

		var h mat.VecDense
		h.MulVec(c, vec(ref[i]))
		for k := 0; k < 3; k++ {
			zHat.SetVec(3*i+k, h.AtVec(k))
		}

		block := hk.Slice(3*i, 3*i+3, 0, 4).(*mat.Dense)
		block.Copy(ObservationJacobian(s.E, ref[i]))
	}

	// Sk = Hk*Pk*Hk' + R
	var hp, sk mat.Dense
	hp.Mul(hk, s.P)
	sk.Mul(&hp, hk.T())
	sk.Add(&sk, R)

	var skInv mat.Dense
	if err := skInv.Inverse(&sk); err != nil {
		return State{}, fmt.Errorf("%w: innovation covariance: %v", ErrNumericDegenerate, err)
	}

	// Kf = Pk*Hk'*Sk^-1
	var pht, kf mat.Dense
	pht.Mul(s.P, hk.T())
	kf.Mul(&pht, &skInv)

	var innovation, correction, e mat.VecDense
	innovation.SubVec(z, zHat)
	correction.MulVec(&kf, &innovation)
	e.AddVec(s.E, &correction)

	// Pk = (I - Kf*Hk)*Pk
	var kh, pk mat.Dense
	kh.Mul(&kf, hk)
	ikh := scaledIdentity(4, 1)
	ikh.Sub(ikh, &kh)
	pk.Mul(ikh, s.P)

	if err := normalise(&e); err != nil {
		return State{}, err
	}
	if !finite(&pk) {
		return State{}, fmt.Errorf("%w: non-finite covariance after measure", ErrNumericDegenerate)
	}
	return State{E: &e, P: &pk}, nil
}

// DCM returns the direction cosine matrix C(E) mapping reference-frame vectors
// into the body frame.
func DCM(e mat.Vector) *mat.Dense {
	e0, e1, e2, e3 := e.AtVec(0), e.AtVec(1), e.AtVec(2), e.AtVec(3)
	return mat.NewDense(3, 3, []float64{
		e0*e0 + e1*e1 - e2*e2 - e3*e3, 2 * (e1*e2 + e0*e3), 2 * (e1*e3 - e0*e2),
		2 * (e1*e2 - e0*e3), e0*e0 - e1*e1 + e2*e2 - e3*e3, 2 * (e2*e3 + e0*e1),
		2 * (e1*e3 + e0*e2), 2 * (e2*e3 - e0*e1), e0*e0 - e1*e1 - e2*e2 + e3*e3,
	})
}

// ObservationJacobian returns d(C(E)*v)/dE, a 3x4 matrix.
func ObservationJacobian(e mat.Vector, v r3.Vec) *mat.Dense {
	e0, e1, e2, e3 := e.AtVec(0), e.AtVec(1), e.AtVec(2), e.AtVec(3)
	v0, v1, v2 := v.X, v.Y, v.Z
	j := mat.NewDense(3, 4, []float64{
		e0*v0 + e3*v1 - e2*v2, e1*v0 + e2*v1 + e3*v2, -e2*v0 + e1*v1 - e0*v2, -e3*v0 + e0*v1 + e1*v2,
		-e3*v0 + e0*v1 + e1*v2, e2*v0 - e1*v1 + e0*v2, e1*v0 + e2*v1 + e3*v2, -e0*v0 - e3*v1 + e2*v2,
		e2*v0 - e1*v1 + e0*v2, e3*v0 - e0*v1 - e1*v2, e0*v0 + e3*v1 - e2*v2, e1*v0 + e2*v1 + e3*v2,
	})
	j.Scale(2, j)
	return j
}

// Rotate applies C(E) to v.
func Rotate(e mat.Vector, v r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(DCM(e), vec(v))
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Isotropic returns variance*I of size n.
func Isotropic(n int, variance float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, variance)
	}
	return s
}

// BlockDiag stacks covariance blocks along the diagonal, for joint updates
// spanning several sensors.
func BlockDiag(blocks ...mat.Symmetric) *mat.SymDense {
	n := 0
	for _, b := range blocks {
		n += b.SymmetricDim()
	}
	out := mat.NewSymDense(n, nil)
	off := 0
	for _, b := range blocks {
		k := b.SymmetricDim()
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				out.SetSym(off+i, off+j, b.At(i, j))
			}
		}
		off += k
	}
	return out
}

// Euler returns roll, pitch and yaw in radians for E.
func Euler(e mat.Vector) (roll, pitch, yaw float64) {
	c := DCM(e)
	roll = math.Atan2(c.At(1, 2), c.At(2, 2))
	pitch = -math.Asin(math.Max(-1, math.Min(1, c.At(0, 2))))
	yaw = math.Atan2(c.At(0, 1), c.At(0, 0))
	return roll, pitch, yaw
}

func vec(v r3.Vec) *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

func scaledIdentity(n int, s float64) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, s)
	}
	return d
}

func normalise(e *mat.VecDense) error {
	norm := mat.Norm(e, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("%w: quaternion norm %g", ErrNumericDegenerate, norm)
	}
	e.ScaleVec(1/norm, e)
	return nil
}

func finite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
