package control

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// ErrNotStabilizable means the Riccati recursion did not settle on a
// stabilizing solution for the given model and weights.
var ErrNotStabilizable = errors.New("control: model is not stabilizable")

const (
	dareTolerance     = 1e-10
	dareMaxIterations = 10000
)

// SolveDARE solves the discrete algebraic Riccati equation
//
//	P = Q + AᵀPA − AᵀPB (R + BᵀPB)⁻¹ BᵀPA
//
// by fixed-point iteration starting from P = Q.
func SolveDARE(a, b, q, r mat.Matrix) (*mat.Dense, error) {
	n, nc := a.Dims()
	if n != nc {
		return nil, fmt.Errorf("A must be square, got %dx%d", n, nc)
	}
	bn, m := b.Dims()
	if bn != n {
		return nil, fmt.Errorf("B must have %d rows, got %d", n, bn)
	}
	if qr, qc := q.Dims(); qr != n || qc != n {
		return nil, fmt.Errorf("Q must be %dx%d, got %dx%d", n, n, qr, qc)
	}
	if rr, rc := r.Dims(); rr != m || rc != m {
		return nil, fmt.Errorf("R must be %dx%d, got %dx%d", m, m, rr, rc)
	}

	p := mat.DenseCopyOf(q)
	for i := 0; i < dareMaxIterations; i++ {
		next, err := riccatiStep(a, b, q, r, p)
		if err != nil {
			return nil, err
		}

		var diff mat.Dense
		diff.Sub(next, p)
		delta := mat.Norm(&diff, math.Inf(1))
		scale := 1 + mat.Norm(next, math.Inf(1))
		if math.IsNaN(delta) || math.IsInf(scale, 0) {
			return nil, fmt.Errorf("%w: Riccati recursion diverged after %d iterations", ErrNotStabilizable, i)
		}
		p = next
		if delta <= dareTolerance*scale {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no convergence in %d iterations", ErrNotStabilizable, dareMaxIterations)
}

func riccatiStep(a, b, q, r mat.Matrix, p *mat.Dense) (*mat.Dense, error) {
	var pa, pb mat.Dense
	pa.Mul(p, a)
	pb.Mul(p, b)

	var atpa, btpa, btpb, atpb mat.Dense
	atpa.Mul(a.T(), &pa)
	btpa.Mul(b.T(), &pa)
	btpb.Mul(b.T(), &pb)
	atpb.Mul(a.T(), &pb)

	var s mat.Dense
	s.Add(r, &btpb)

	var gain mat.Dense
	if err := gain.Solve(&s, &btpa); err != nil {
		return nil, fmt.Errorf("%w: R + BᵀPB is singular: %v", ErrNotStabilizable, err)
	}

	var correction, next mat.Dense
	correction.Mul(&atpb, &gain)
	next.Sub(&atpa, &correction)
	next.Add(&next, q)
	return &next, nil
}

// LQRGain returns K = (R + BᵀPB)⁻¹ BᵀPA and the Riccati solution P. The
// closed loop A − BK is checked for stability.
func LQRGain(a, b, q, r mat.Matrix) (*mat.Dense, *mat.Dense, error) {
	p, err := SolveDARE(a, b, q, r)
	if err != nil {
		return nil, nil, err
	}

	var pa, pb, btpa, btpb, s mat.Dense
	pa.Mul(p, a)
	pb.Mul(p, b)
	btpa.Mul(b.T(), &pa)
	btpb.Mul(b.T(), &pb)
	s.Add(r, &btpb)

	var k mat.Dense
	if err := k.Solve(&s, &btpa); err != nil {
		return nil, nil, fmt.Errorf("%w: R + BᵀPB is singular: %v", ErrNotStabilizable, err)
	}

	rho, err := SpectralRadius(closedLoop(a, b, &k))
	if err != nil {
		return nil, nil, err
	}
	if rho >= 1 {
		return nil, nil, fmt.Errorf("%w: closed-loop spectral radius %.6f", ErrNotStabilizable, rho)
	}
	return &k, p, nil
}

func closedLoop(a, b, k mat.Matrix) *mat.Dense {
	var bk, acl mat.Dense
	bk.Mul(b, k)
	acl.Sub(a, &bk)
	return &acl
}

// SpectralRadius is the largest eigenvalue magnitude of a square matrix.
func SpectralRadius(m mat.Matrix) (float64, error) {
	var eig mat.Eigen
	if !eig.Factorize(m, mat.EigenNone) {
		return 0, errors.New("control: eigen decomposition failed")
	}
	var rho float64
	for _, v := range eig.Values(nil) {
		rho = math.Max(rho, cmplx.Abs(v))
	}
	return rho, nil
}

// TreadmillModel is the COP model used for gain design: position integrates
// velocity over dt and the belt acts on velocity.
func TreadmillModel(dt float64) (a, b *mat.Dense) {
	a = mat.NewDense(2, 2, []float64{1, dt, 0, 1})
	b = mat.NewDense(2, 1, []float64{0, 1})
	return a, b
}
