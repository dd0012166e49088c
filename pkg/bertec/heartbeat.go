package bertec

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeat answers server probes and counts misses. After maxAttempts
// consecutive intervals without a probe it calls onDead once and exits.
type heartbeat struct {
	ch          HeartbeatChannel
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	onDead      func()

	probes chan Probe
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	attempts int
}

func newHeartbeat(ch HeartbeatChannel, cfg HeartbeatConfig, timeout time.Duration, logger *slog.Logger, onDead func()) *heartbeat {
	return &heartbeat{
		ch:          ch,
		logger:      logger,
		interval:    cfg.Interval,
		timeout:     timeout,
		maxAttempts: cfg.MaxAttempts,
		onDead:      onDead,
		probes:      make(chan Probe, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	go h.receive()
	go h.run()
}

// receive owns ch for reading.
func (h *heartbeat) receive() {
	for {
		p, err := h.ch.Recv()
		if err != nil {
			return
		}
		select {
		case h.probes <- p:
		case <-h.quit:
			return
		}
	}
}

func (h *heartbeat) run() {
	defer close(h.done)

	for {
		timer := time.NewTimer(h.timeout)
		select {
		case <-h.quit:
			timer.Stop()
			return
		case p := <-h.probes:
			timer.Stop()
			h.setAttempts(0)
			if err := h.ch.Reply(p); err != nil {
				h.logger.Warn("heartbeat reply failed", "error", err)
			}
		case <-timer.C:
			n := h.miss()
			h.logger.Warn("heartbeat missed", "attempt", n, "max_attempts", h.maxAttempts)
			if n >= h.maxAttempts {
				h.logger.Error("heartbeat lost, disconnecting", "attempts", n)
				h.onDead()
				return
			}
		}

		select {
		case <-h.quit:
			return
		case <-time.After(h.interval):
		}
	}
}

func (h *heartbeat) miss() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	return h.attempts
}

func (h *heartbeat) setAttempts(n int) {
	h.mu.Lock()
	h.attempts = n
	h.mu.Unlock()
}

// Attempts returns the current consecutive miss count.
func (h *heartbeat) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// stop waits for run to exit, so onDead must not call it synchronously.
// Calling it more than once is fine.
func (h *heartbeat) stop() error {
	var err error
	h.once.Do(func() {
		close(h.quit)
		err = h.ch.Close()
		<-h.done
	})
	return err
}
