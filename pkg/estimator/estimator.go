// Package estimator filters force-plate center-of-pressure measurements.
//
// The model is a constant-velocity Kalman filter over the anteroposterior
// COP: state [position, velocity], position observed directly. A vertical
// force threshold classifies each cycle as weight-bearing or swing.
package estimator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
)

// Config holds filter tuning.
type Config struct {
	// Center is the belt position the subject should stay at, in meters.
	// It is also the fallback measurement when no sample arrives.
	Center float64 `yaml:"center" json:"center"`

	// Dt is the filter timestep; it matches the control loop period.
	Dt time.Duration `yaml:"dt" json:"dt"`

	// ProcessNoise is the diagonal of Q (position, velocity).
	ProcessNoise [2]float64 `yaml:"process_noise" json:"process_noise"`

	// MeasurementNoise is R.
	MeasurementNoise float64 `yaml:"measurement_noise" json:"measurement_noise"`

	// InitialCovariance scales the identity used as P0.
	InitialCovariance float64 `yaml:"initial_covariance" json:"initial_covariance"`

	// WeightThreshold is the vertical force above which the foot is loaded.
	WeightThreshold float64 `yaml:"weight_threshold" json:"weight_threshold"`

	// WarnInterval limits missing-sample warnings.
	WarnInterval time.Duration `yaml:"warn_interval" json:"warn_interval"`
}

// DefaultConfig returns the tuning used on the lab treadmill.
func DefaultConfig() Config {
	return Config{
		Center:            0.8,
		Dt:                10 * time.Millisecond,
		ProcessNoise:      [2]float64{0.01, 0.01},
		MeasurementNoise:  0.05,
		InitialCovariance: 1,
		WeightThreshold:   20,
		WarnInterval:      5 * time.Second,
	}
}

// Validate checks that the filter is well posed.
func (c *Config) Validate() error {
	var errs []error
	if c.Dt <= 0 {
		errs = append(errs, fmt.Errorf("dt must be positive, got %s", c.Dt))
	}
	if c.ProcessNoise[0] < 0 || c.ProcessNoise[1] < 0 {
		errs = append(errs, fmt.Errorf("process_noise must be non-negative, got %v", c.ProcessNoise))
	}
	if c.MeasurementNoise <= 0 {
		errs = append(errs, fmt.Errorf("measurement_noise must be positive, got %v", c.MeasurementNoise))
	}
	if c.InitialCovariance < 0 {
		errs = append(errs, fmt.Errorf("initial_covariance must be non-negative, got %v", c.InitialCovariance))
	}
	return errors.Join(errs...)
}

// Estimate is the filter output for one cycle.
type Estimate struct {
	WeightBearing bool    `json:"weight_bearing"`
	Position      float64 `json:"position"`
	Velocity      float64 `json:"velocity"`
	Fz            float64 `json:"fz"`

	// Measured is the COP fed to the filter this cycle.
	Measured float64 `json:"measured"`

	// Fallback is set when no sample was available and Center was used.
	Fallback bool `json:"fallback"`
}

// Estimator is a Kalman filter over COP position and velocity. It is not
// safe for concurrent use; the control loop owns it.
type Estimator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	a *mat.Dense // transition
	q *mat.Dense // process noise
	c *mat.VecDense
	r float64

	x *mat.VecDense
	p *mat.Dense

	lastWarn  time.Time
	missed    int64
	fallbacks int64
}

// New builds an estimator initialized at Center with zero velocity.
func New(cfg Config, logger *slog.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid estimator config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dt := cfg.Dt.Seconds()
	e := &Estimator{
		cfg:    cfg,
		logger: logger.With("component", "estimator"),
		now:    time.Now,
		a:      mat.NewDense(2, 2, []float64{1, dt, 0, 1}),
		q:      mat.NewDense(2, 2, []float64{cfg.ProcessNoise[0], 0, 0, cfg.ProcessNoise[1]}),
		c:      mat.NewVecDense(2, []float64{1, 0}),
		r:      cfg.MeasurementNoise,
	}
	e.Reset()
	return e, nil
}

// Reset returns the filter to its initial state.
func (e *Estimator) Reset() {
	e.x = mat.NewVecDense(2, []float64{e.cfg.Center, 0})
	p0 := e.cfg.InitialCovariance
	e.p = mat.NewDense(2, 2, []float64{p0, 0, 0, p0})
}

// Update runs one predict/correct step. A nil sample falls back to Center
// with zero force, so the cycle is never weight-bearing.
func (e *Estimator) Update(sample *bertec.Sample) Estimate {
	fz, z, fallback := e.observe(sample)
	e.step(z)

	return Estimate{
		WeightBearing: fz > e.cfg.WeightThreshold,
		Position:      e.x.AtVec(0),
		Velocity:      e.x.AtVec(1),
		Fz:            fz,
		Measured:      z,
		Fallback:      fallback,
	}
}

func (e *Estimator) observe(sample *bertec.Sample) (fz, cop float64, fallback bool) {
	if sample == nil {
		e.fallbacks++
		e.missed++
		if now := e.now(); now.Sub(e.lastWarn) >= e.cfg.WarnInterval {
			e.logger.Warn("no force data received, using center position",
				"center", e.cfg.Center,
				"missed", e.missed,
			)
			e.lastWarn = now
			e.missed = 0
		}
		return 0, e.cfg.Center, true
	}
	if !sample.HasCopY {
		return sample.Fz, e.cfg.Center, false
	}
	return sample.Fz, sample.CopY, false
}

// step predicts with the transition model, then corrects with measurement z.
// The covariance uses the Joseph form so it stays symmetric positive
// semi-definite under rounding.
func (e *Estimator) step(z float64) {
	var xPred mat.VecDense
	xPred.MulVec(e.a, e.x)

	var ap, pPred mat.Dense
	ap.Mul(e.a, e.p)
	pPred.Mul(&ap, e.a.T())
	pPred.Add(&pPred, e.q)

	// C = [1 0], so S = P[0,0] + R and K = P[:,0] / S.
	s := pPred.At(0, 0) + e.r
	k := mat.NewVecDense(2, []float64{pPred.At(0, 0) / s, pPred.At(1, 0) / s})

	innovation := z - mat.Dot(e.c, &xPred)
	x := mat.NewVecDense(2, nil)
	x.AddScaledVec(&xPred, innovation, k)

	var kc, ikc mat.Dense
	kc.Outer(1, k, e.c)
	ikc.Sub(eye2(), &kc)

	var left, p, krk mat.Dense
	left.Mul(&ikc, &pPred)
	p.Mul(&left, ikc.T())
	krk.Outer(e.r, k, k)
	p.Add(&p, &krk)

	off := (p.At(0, 1) + p.At(1, 0)) / 2
	p.Set(0, 1, off)
	p.Set(1, 0, off)

	e.x = x
	e.p = &p
}

func eye2() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}

// State returns the filtered position and velocity.
func (e *Estimator) State() (position, velocity float64) {
	return e.x.AtVec(0), e.x.AtVec(1)
}

// Covariance returns a copy of the error covariance.
func (e *Estimator) Covariance() *mat.SymDense {
	return mat.NewSymDense(2, []float64{
		e.p.At(0, 0), e.p.At(0, 1),
		e.p.At(1, 0), e.p.At(1, 1),
	})
}

// Fallbacks returns how many updates ran without a sample.
func (e *Estimator) Fallbacks() int64 {
	return e.fallbacks
}

// Config returns the filter tuning.
func (e *Estimator) Config() Config {
	return e.cfg
}
