package loop

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-treadmill/pkg/control"
)

// Tick is the per-cycle record handed to observers.
type Tick struct {
	RunID     string    `json:"run_id"`
	Iteration int64     `json:"iteration"`
	Step      int64     `json:"step"`
	Time      time.Time `json:"time"`

	// Speed is the held belt speed after dispatch, in m/s.
	Speed float64 `json:"speed"`
	// Acceleration is the gap from the held speed to the target over the
	// period, in m/s².
	Acceleration float64 `json:"acceleration"`
	Target       float64 `json:"target"`

	CopMeasured   float64 `json:"cop_measured"`
	CopFiltered   float64 `json:"cop_filtered"`
	CopVelocity   float64 `json:"cop_velocity"`
	Fz            float64 `json:"fz"`
	WeightBearing bool    `json:"weight_bearing"`
	Fallback      bool    `json:"fallback"`

	Decision control.Decision `json:"decision"`
}

// Observer receives loop output. Both methods run on the loop goroutine and
// must not block.
type Observer interface {
	OnTick(Tick)
	OnCopUpdate(x, y float64)
}

// logSummaryEvery is how many ticks pass between info summaries.
const logSummaryEvery = 500

// LogObserver writes ticks to a logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver logs through logger, or the default logger when nil.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "loop")}
}

// OnTick logs every tick at debug and a summary every 500 ticks.
func (o *LogObserver) OnTick(t Tick) {
	o.logger.Debug("tick",
		"step", t.Step,
		"speed", t.Speed,
		"acceleration", t.Acceleration,
		"cop_measured", t.CopMeasured,
		"cop_filtered", t.CopFiltered)
	if t.Iteration > 0 && t.Iteration%logSummaryEvery == 0 {
		o.logger.Info("loop running",
			"run_id", t.RunID,
			"iteration", t.Iteration,
			"steps", t.Step,
			"speed", t.Speed)
	}
}

// OnCopUpdate is a no-op; COP values are already part of each tick.
func (o *LogObserver) OnCopUpdate(x, y float64) {}
