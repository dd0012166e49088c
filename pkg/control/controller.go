package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-treadmill/pkg/estimator"
)

// Result describes one control step.
type Result struct {
	Target   float64  `json:"target"`
	Held     float64  `json:"held"`
	Decision Decision `json:"decision"`
}

// Controller couples the control law with the governor.
type Controller struct {
	law *Law
	gov *Governor
}

// New builds a controller dispatching through cmd.
func New(cfg Config, cmd Commander, logger *slog.Logger) (*Controller, error) {
	if cmd == nil {
		return nil, fmt.Errorf("control: commander is required")
	}
	law, err := NewLaw(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	gains := law.Gains()
	logger.Info("controller ready",
		"mode", cfg.Feedback.Mode,
		"kp", gains.Position,
		"kv", gains.Velocity,
		"lqr_kp", law.lqr.At(0, 0),
		"lqr_kv", law.lqr.At(0, 1))
	return &Controller{law: law, gov: NewGovernor(cmd, cfg, logger)}, nil
}

// Step computes a target from est and hands it to the governor. A failed
// dispatch is returned alongside the result; the caller keeps running.
func (c *Controller) Step(ctx context.Context, est estimator.Estimate) (Result, error) {
	target := c.law.Compute(est, c.gov.Held())
	decision, err := c.gov.Dispatch(ctx, target)
	return Result{Target: target, Held: c.gov.Held(), Decision: decision}, err
}

// Stop sends the zero-speed command.
func (c *Controller) Stop(ctx context.Context) error {
	return c.gov.Stop(ctx)
}

// Held returns the last commanded speed.
func (c *Controller) Held() float64 { return c.gov.Held() }

// Gains returns the active feedback gains.
func (c *Controller) Gains() Gains { return c.law.Gains() }

// Stats returns governor counters.
func (c *Controller) Stats() GovernorStats { return c.gov.Stats() }
