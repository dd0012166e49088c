// Package loop runs the fixed-period control cycle: poll a sample, filter
// it, compute and dispatch a belt speed, then publish a tick to observers.
package loop

import (
	"errors"
	"fmt"
	"time"
)

// Config holds scheduling settings.
type Config struct {
	// Period is the control cycle length.
	Period time.Duration `yaml:"period" json:"period"`

	// SampleTimeout bounds the wait for a new sample each cycle. Zero
	// means one period.
	SampleTimeout time.Duration `yaml:"sample_timeout" json:"sample_timeout"`

	// StatsWindow is the number of iterations timing stats cover.
	StatsWindow int `yaml:"stats_window" json:"stats_window"`

	// StopTimeout bounds the stop command when the caller's context has
	// already expired.
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// DefaultConfig returns a 100 Hz loop.
func DefaultConfig() Config {
	return Config{
		Period:      10 * time.Millisecond,
		StatsWindow: 1000,
		StopTimeout: 2 * time.Second,
	}
}

// Validate checks the schedule.
func (c *Config) Validate() error {
	var errs []error
	if c.Period <= 0 {
		errs = append(errs, fmt.Errorf("period must be positive, got %s", c.Period))
	}
	if c.SampleTimeout < 0 {
		errs = append(errs, fmt.Errorf("sample_timeout must be non-negative, got %s", c.SampleTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.StatsWindow < 2 {
		errs = append(errs, fmt.Errorf("stats_window must be at least 2, got %d", c.StatsWindow))
	}
	return errors.Join(errs...)
}

func (c *Config) sampleTimeout() time.Duration {
	if c.SampleTimeout == 0 {
		return c.Period
	}
	return c.SampleTimeout
}
