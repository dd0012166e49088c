package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
)

// Commander sends belt commands. *bertec.Client implements it.
type Commander interface {
	RunTreadmill(ctx context.Context, cmd bertec.TreadmillCommand) (*bertec.Response, error)
}

var _ Commander = (*bertec.Client)(nil)

// Decision records what Dispatch did with a target.
type Decision int

const (
	// Sent means the command reached the treadmill and was accepted.
	Sent Decision = iota
	// SuppressedDeadBand means the change was too small to send.
	SuppressedDeadBand
	// SuppressedInterval means the previous command was too recent.
	SuppressedInterval
	// Failed means the command was attempted but not accepted.
	Failed
)

func (d Decision) String() string {
	switch d {
	case Sent:
		return "sent"
	case SuppressedDeadBand:
		return "dead_band"
	case SuppressedInterval:
		return "interval"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// MarshalText encodes the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a decision name.
func (d *Decision) UnmarshalText(text []byte) error {
	for _, v := range []Decision{Sent, SuppressedDeadBand, SuppressedInterval, Failed} {
		if v.String() == string(text) {
			*d = v
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", text)
}

// errorLogInterval limits repeated dispatch failure logs.
const errorLogInterval = 5 * time.Second

// Governor rate-limits speed commands. It holds the last commanded speed
// and the time of the last dispatch; only the control loop touches them.
type Governor struct {
	cmd    Commander
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	held         float64
	lastDispatch time.Time
	lastErrorLog time.Time

	sent       atomic.Int64
	deadBand   atomic.Int64
	interval   atomic.Int64
	failed     atomic.Int64
	stopsSent  atomic.Int64
	stopErrors atomic.Int64
}

// NewGovernor starts holding MinSpeed with no prior dispatch.
func NewGovernor(cmd Commander, cfg Config, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cmd:    cmd,
		cfg:    cfg,
		logger: logger.With("component", "governor"),
		now:    time.Now,
		held:   cfg.MinSpeed,
	}
}

// Held returns the last commanded speed.
func (g *Governor) Held() float64 {
	return g.held
}

// Dispatch sends target unless it is within the dead-band of the held speed
// or the previous command was less than MinInterval ago. On failure the
// held speed is kept but the dispatch time still advances, so retries obey
// the interval.
func (g *Governor) Dispatch(ctx context.Context, target float64) (Decision, error) {
	if math.Abs(target-g.held) < g.cfg.DeadBand {
		g.deadBand.Add(1)
		return SuppressedDeadBand, nil
	}

	now := g.now()
	if !g.lastDispatch.IsZero() && now.Sub(g.lastDispatch) < g.cfg.MinInterval {
		g.interval.Add(1)
		return SuppressedInterval, nil
	}

	g.lastDispatch = now
	_, err := g.cmd.RunTreadmill(ctx, bertec.Symmetric(target, g.cfg.Ramp, g.cfg.Ramp))
	if err != nil {
		g.failed.Add(1)
		g.logError(now, "speed command failed", err, target)
		return Failed, fmt.Errorf("dispatch %.2f m/s: %w", target, err)
	}

	g.logger.Debug("speed command sent", "from", g.held, "to", target)
	g.held = target
	g.sent.Add(1)
	return Sent, nil
}

// Stop commands zero speed with StopRamp. It ignores the dead-band and the
// interval.
func (g *Governor) Stop(ctx context.Context) error {
	now := g.now()
	_, err := g.cmd.RunTreadmill(ctx, bertec.Symmetric(0, g.cfg.StopRamp, g.cfg.StopRamp))
	if err != nil {
		g.stopErrors.Add(1)
		g.logger.Error("stop command failed", "error", err)
		return fmt.Errorf("stop treadmill: %w", err)
	}
	g.stopsSent.Add(1)
	g.logger.Info("treadmill stopped", "from", g.held)
	g.held = 0
	g.lastDispatch = now
	return nil
}

func (g *Governor) logError(now time.Time, msg string, err error, target float64) {
	if !g.lastErrorLog.IsZero() && now.Sub(g.lastErrorLog) < errorLogInterval {
		return
	}
	g.logger.Warn(msg, "error", err, "target", target, "held", g.held, "failures", g.failed.Load())
	g.lastErrorLog = now
}

// Stats returns dispatch counters. Safe to call from any goroutine.
func (g *Governor) Stats() GovernorStats {
	return GovernorStats{
		Sent:               g.sent.Load(),
		SuppressedDeadBand: g.deadBand.Load(),
		SuppressedInterval: g.interval.Load(),
		Failed:             g.failed.Load(),
		StopsSent:          g.stopsSent.Load(),
		StopErrors:         g.stopErrors.Load(),
	}
}

// GovernorStats contains dispatch counters.
type GovernorStats struct {
	Sent               int64 `json:"sent"`
	SuppressedDeadBand int64 `json:"suppressed_dead_band"`
	SuppressedInterval int64 `json:"suppressed_interval"`
	Failed             int64 `json:"failed"`
	StopsSent          int64 `json:"stops_sent"`
	StopErrors         int64 `json:"stop_errors"`
}
