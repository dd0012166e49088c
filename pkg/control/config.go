// Package control turns the filtered COP state into treadmill speed
// commands: a feed-forward speed plus state feedback, force-dependent trim,
// clamping and deceleration smoothing, and a governor that limits how often
// commands reach the treadmill.
package control

import (
	"errors"
	"fmt"
	"time"
)

// Feedback gain sources.
const (
	FeedbackFixed = "fixed"
	FeedbackLQR   = "lqr"
)

// FeedbackConfig selects the state-feedback gains.
type FeedbackConfig struct {
	// Mode is FeedbackFixed or FeedbackLQR.
	Mode string `yaml:"mode" json:"mode"`

	// Position and Velocity are the fixed gains.
	Position float64 `yaml:"position" json:"position"`
	Velocity float64 `yaml:"velocity" json:"velocity"`

	// StateCost is the diagonal of the LQR state weight.
	StateCost [2]float64 `yaml:"state_cost" json:"state_cost"`

	// InputCost is the LQR input weight.
	InputCost float64 `yaml:"input_cost" json:"input_cost"`
}

// Config holds control-law and dispatch tuning. Speeds are m/s.
type Config struct {
	// Center is the target COP position; it must match the estimator's.
	Center float64 `yaml:"center" json:"center"`

	// Dt is the model timestep used for gain design.
	Dt time.Duration `yaml:"dt" json:"dt"`

	BaseSpeed float64 `yaml:"base_speed" json:"base_speed"`
	MinSpeed  float64 `yaml:"min_speed" json:"min_speed"`
	MaxSpeed  float64 `yaml:"max_speed" json:"max_speed"`

	Feedback FeedbackConfig `yaml:"feedback" json:"feedback"`

	// Above HeavyForce the target gets HeavyIncrement; below LightForce it
	// loses LightDecrement.
	HeavyForce     float64 `yaml:"heavy_force" json:"heavy_force"`
	HeavyIncrement float64 `yaml:"heavy_increment" json:"heavy_increment"`
	LightForce     float64 `yaml:"light_force" json:"light_force"`
	LightDecrement float64 `yaml:"light_decrement" json:"light_decrement"`

	// DecelSmoothing is the weight of a lower target against the held speed.
	DecelSmoothing float64 `yaml:"decel_smoothing" json:"decel_smoothing"`

	// DeadBand is the smallest speed change worth sending.
	DeadBand float64 `yaml:"dead_band" json:"dead_band"`

	// MinInterval separates consecutive speed commands.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`

	// Ramp is the belt acceleration and deceleration sent with each command.
	Ramp float64 `yaml:"ramp" json:"ramp"`

	// StopRamp is used by the explicit stop command.
	StopRamp float64 `yaml:"stop_ramp" json:"stop_ramp"`
}

// DefaultConfig returns the lab tuning.
func DefaultConfig() Config {
	return Config{
		Center:    0.8,
		Dt:        10 * time.Millisecond,
		BaseSpeed: 1.0,
		MinSpeed:  0.4,
		MaxSpeed:  2.0,
		Feedback: FeedbackConfig{
			Mode:      FeedbackFixed,
			Position:  1.5,
			Velocity:  0.8,
			StateCost: [2]float64{30, 10},
			InputCost: 0.05,
		},
		HeavyForce:     50,
		HeavyIncrement: 0.15,
		LightForce:     25,
		LightDecrement: 0.1,
		DecelSmoothing: 0.25,
		DeadBand:       0.01,
		MinInterval:    100 * time.Millisecond,
		Ramp:           0.25,
		StopRamp:       0.2,
	}
}

// Validate checks bounds and weights.
func (c *Config) Validate() error {
	var errs []error
	if c.MinSpeed < 0 {
		errs = append(errs, fmt.Errorf("min_speed must be non-negative, got %v", c.MinSpeed))
	}
	if c.MaxSpeed <= c.MinSpeed {
		errs = append(errs, fmt.Errorf("max_speed (%v) must exceed min_speed (%v)", c.MaxSpeed, c.MinSpeed))
	}
	if c.Dt <= 0 {
		errs = append(errs, fmt.Errorf("dt must be positive, got %s", c.Dt))
	}
	if c.DecelSmoothing < 0 || c.DecelSmoothing > 1 {
		errs = append(errs, fmt.Errorf("decel_smoothing must be in [0, 1], got %v", c.DecelSmoothing))
	}
	if c.DeadBand < 0 {
		errs = append(errs, fmt.Errorf("dead_band must be non-negative, got %v", c.DeadBand))
	}
	if c.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("min_interval must be non-negative, got %s", c.MinInterval))
	}
	if c.Ramp <= 0 || c.StopRamp <= 0 {
		errs = append(errs, fmt.Errorf("ramp and stop_ramp must be positive, got %v and %v", c.Ramp, c.StopRamp))
	}
	if c.LightForce > c.HeavyForce {
		errs = append(errs, fmt.Errorf("light_force (%v) must not exceed heavy_force (%v)", c.LightForce, c.HeavyForce))
	}
	switch c.Feedback.Mode {
	case FeedbackFixed, FeedbackLQR:
	default:
		errs = append(errs, fmt.Errorf("feedback mode must be %q or %q, got %q", FeedbackFixed, FeedbackLQR, c.Feedback.Mode))
	}
	if c.Feedback.StateCost[0] < 0 || c.Feedback.StateCost[1] < 0 {
		errs = append(errs, fmt.Errorf("state_cost must be non-negative, got %v", c.Feedback.StateCost))
	}
	if c.Feedback.InputCost <= 0 {
		errs = append(errs, fmt.Errorf("input_cost must be positive, got %v", c.Feedback.InputCost))
	}
	return errors.Join(errs...)
}
