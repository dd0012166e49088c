package control

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-treadmill/pkg/estimator"
)

// Gains weight the position error and COP velocity in the speed target.
type Gains struct {
	Position float64 `json:"position"`
	Velocity float64 `json:"velocity"`
}

// Law maps a state estimate to a target belt speed. It holds no state.
type Law struct {
	cfg   Config
	gains Gains
	lqr   *mat.Dense
}

// NewLaw designs the LQR gain for the treadmill model and picks the
// feedback gains. A model the Riccati solver cannot stabilize is rejected
// in every mode.
func NewLaw(cfg Config) (*Law, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control config: %w", err)
	}

	a, b := TreadmillModel(cfg.Dt.Seconds())
	q := mat.NewDiagDense(2, cfg.Feedback.StateCost[:])
	r := mat.NewDense(1, 1, []float64{cfg.Feedback.InputCost})
	k, _, err := LQRGain(a, b, q, r)
	if err != nil {
		return nil, fmt.Errorf("design feedback gain: %w", err)
	}

	l := &Law{cfg: cfg, lqr: k}
	switch cfg.Feedback.Mode {
	case FeedbackLQR:
		// u = −K·x drives the state to zero; for the treadmill a forward
		// drift needs more belt speed, so the correction enters with +K.
		l.gains = Gains{Position: k.At(0, 0), Velocity: k.At(0, 1)}
	default:
		l.gains = Gains{Position: cfg.Feedback.Position, Velocity: cfg.Feedback.Velocity}
	}
	return l, nil
}

// Gains returns the active feedback gains.
func (l *Law) Gains() Gains {
	return l.gains
}

// LQR returns a copy of the designed 1x2 gain matrix.
func (l *Law) LQR() *mat.Dense {
	return mat.DenseCopyOf(l.lqr)
}

// Compute returns the target speed for est given the currently held speed.
// Swing phases hold the current speed.
func (l *Law) Compute(est estimator.Estimate, held float64) float64 {
	if !est.WeightBearing {
		return held
	}

	v := l.cfg.BaseSpeed +
		l.gains.Position*(est.Position-l.cfg.Center) +
		l.gains.Velocity*est.Velocity

	switch {
	case est.Fz > l.cfg.HeavyForce:
		v += l.cfg.HeavyIncrement
	case est.Fz < l.cfg.LightForce:
		v -= l.cfg.LightDecrement
	}

	v = clamp(v, l.cfg.MinSpeed, l.cfg.MaxSpeed)

	if v < held {
		v = Smooth(held, v, l.cfg.DecelSmoothing)
	}
	return v
}

// Smooth blends a lower target into the held speed.
func Smooth(held, target, alpha float64) float64 {
	return held*(1-alpha) + target*alpha
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
