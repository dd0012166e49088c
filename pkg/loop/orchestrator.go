package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
	"github.com/teslashibe/go-treadmill/pkg/control"
	"github.com/teslashibe/go-treadmill/pkg/estimator"
)

// SampleSource yields the newest force-plate sample. *bertec.Client
// implements it.
type SampleSource interface {
	PollLatestSample(timeout time.Duration) (bertec.Sample, bool)
}

var _ SampleSource = (*bertec.Client)(nil)

// Orchestrator owns the control goroutine. The estimator and controller are
// only touched from that goroutine while it runs, and from Stop after it
// has exited.
type Orchestrator struct {
	source    SampleSource
	est       *estimator.Estimator
	ctrl      *control.Controller
	cfg       Config
	logger    *slog.Logger
	observers []Observer

	mu      sync.Mutex // serializes Start and Stop
	running atomic.Bool
	quit    chan struct{}
	done    chan struct{}
	runID   string

	snapshot atomic.Pointer[Tick]

	iterations     atomic.Int64
	overruns       atomic.Int64
	steps          atomic.Int64
	dispatchErrors atomic.Int64
	timing         *timingWindow
}

// New wires a loop. Observers are called in order on every cycle.
func New(source SampleSource, est *estimator.Estimator, ctrl *control.Controller, cfg Config, logger *slog.Logger, observers ...Observer) (*Orchestrator, error) {
	if source == nil || est == nil || ctrl == nil {
		return nil, fmt.Errorf("loop: source, estimator and controller are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		source:    source,
		est:       est,
		ctrl:      ctrl,
		cfg:       cfg,
		logger:    logger.With("component", "loop"),
		observers: observers,
		timing:    newTimingWindow(cfg.StatsWindow),
	}, nil
}

// Start launches the control goroutine and returns its run id. Calling
// Start while running returns the current run id.
func (o *Orchestrator) Start() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running.Load() {
		return o.runID
	}

	o.runID = uuid.New().String()
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	o.est.Reset()
	o.iterations.Store(0)
	o.overruns.Store(0)
	o.steps.Store(0)
	o.dispatchErrors.Store(0)
	o.timing.reset()
	o.running.Store(true)

	o.logger.Info("control loop started", "run_id", o.runID, "period", o.cfg.Period)
	go o.run(o.runID, o.quit, o.done)
	return o.runID
}

// Stop ends the loop after its current iteration and sends the stop
// command. The stop command goes out even when the loop was not running.
// If ctx expires first, Stop still waits for the iteration to finish and
// sends the stop command under a fresh StopTimeout deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running.Swap(false) {
		close(o.quit)
		select {
		case <-o.done:
		case <-ctx.Done():
			o.logger.Warn("control loop slow to stop", "run_id", o.runID, "error", ctx.Err())
			<-o.done
		}
		o.logger.Info("control loop stopped",
			"run_id", o.runID,
			"iterations", o.iterations.Load(),
			"steps", o.steps.Load())
	}

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
		defer cancel()
	}
	return o.ctrl.Stop(ctx)
}

// Running reports whether the loop goroutine is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// RunID returns the id of the current or last run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Snapshot returns the latest tick. ok is false before the first tick.
func (o *Orchestrator) Snapshot() (Tick, bool) {
	t := o.snapshot.Load()
	if t == nil {
		return Tick{}, false
	}
	return *t, true
}

func (o *Orchestrator) run(runID string, quit, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		o.iterate(ctx, runID)
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) iterate(ctx context.Context, runID string) {
	start := time.Now()

	var sample *bertec.Sample
	if s, ok := o.source.PollLatestSample(o.cfg.sampleTimeout()); ok {
		sample = &s
	}
	est := o.est.Update(sample)

	// Display reads whatever arrived meanwhile; otherwise the sample used
	// for filtering.
	display := sample
	if s, ok := o.source.PollLatestSample(0); ok {
		display = &s
	}
	if display != nil {
		for _, obs := range o.observers {
			obs.OnCopUpdate(display.CopX, display.CopY)
		}
	}

	res, err := o.ctrl.Step(ctx, est)
	if err != nil {
		o.dispatchErrors.Add(1)
	}
	after := o.ctrl.Held()

	if est.WeightBearing {
		o.steps.Add(1)
	}
	iteration := o.iterations.Add(1)

	tick := Tick{
		RunID:         runID,
		Iteration:     iteration,
		Step:          o.steps.Load(),
		Time:          start,
		Speed:         after,
		Acceleration:  (res.Target - after) / o.cfg.Period.Seconds(),
		Target:        res.Target,
		CopMeasured:   est.Measured,
		CopFiltered:   est.Position,
		CopVelocity:   est.Velocity,
		Fz:            est.Fz,
		WeightBearing: est.WeightBearing,
		Fallback:      est.Fallback,
		Decision:      res.Decision,
	}
	o.snapshot.Store(&tick)
	for _, obs := range o.observers {
		obs.OnTick(tick)
	}

	elapsed := time.Since(start)
	o.timing.add(elapsed)
	if elapsed > o.cfg.Period {
		o.overruns.Add(1)
	}
}

// Stats returns loop counters and iteration timing.
func (o *Orchestrator) Stats() Stats {
	mean, std := o.timing.meanStdDev()
	return Stats{
		Running:        o.running.Load(),
		RunID:          o.RunID(),
		Iterations:     o.iterations.Load(),
		Overruns:       o.overruns.Load(),
		Steps:          o.steps.Load(),
		DispatchErrors: o.dispatchErrors.Load(),
		MeanIteration:  mean,
		StdIteration:   std,
	}
}

// Stats contains loop counters for the current or last run.
type Stats struct {
	Running        bool          `json:"running"`
	RunID          string        `json:"run_id"`
	Iterations     int64         `json:"iterations"`
	Overruns       int64         `json:"overruns"`
	Steps          int64         `json:"steps"`
	DispatchErrors int64         `json:"dispatch_errors"`
	MeanIteration  time.Duration `json:"mean_iteration_ns"`
	StdIteration   time.Duration `json:"std_iteration_ns"`
}
