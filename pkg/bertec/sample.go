package bertec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sample is one force-plate measurement.
type Sample struct {
	// Fz is the vertical force.
	Fz float64 `json:"fz"`

	// CopX is the mediolateral center of pressure.
	CopX float64 `json:"copx"`

	// CopY is the anteroposterior center of pressure, along the belt.
	CopY float64 `json:"copy"`

	// HasCopY is false when the payload carried no copy field.
	HasCopY bool `json:"-"`

	// Received is the local arrival time.
	Received time.Time `json:"-"`
}

// DecodeSample parses a published payload. Missing fields decode as zero.
func DecodeSample(data []byte) (Sample, error) {
	var raw struct {
		Fz   *float64 `json:"fz"`
		CopX *float64 `json:"copx"`
		CopY *float64 `json:"copy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}

	var s Sample
	if raw.Fz != nil {
		s.Fz = *raw.Fz
	}
	if raw.CopX != nil {
		s.CopX = *raw.CopX
	}
	if raw.CopY != nil {
		s.CopY = *raw.CopY
		s.HasCopY = true
	}
	return s, nil
}

const (
	minRecvBackoff = 10 * time.Millisecond
	maxRecvBackoff = time.Second
)

// subscription drains a SampleChannel into a single-slot mailbox. Older
// undelivered samples are overwritten. Receive errors are counted and
// retried with backoff until close.
type subscription struct {
	ch     SampleChannel
	logger *slog.Logger
	stats  *counters

	latest chan Sample
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newSubscription(ch SampleChannel, logger *slog.Logger, stats *counters) *subscription {
	s := &subscription{
		ch:     ch,
		logger: logger,
		stats:  stats,
		latest: make(chan Sample, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *subscription) read() {
	defer close(s.done)
	backoff := time.Duration(0)
	for {
		data, err := s.ch.Recv()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.stats.sampleErrors.Add(1)
			if backoff == 0 {
				s.logger.Warn("sample channel interrupted", "error", err)
				backoff = minRecvBackoff
			} else {
				backoff = min(2*backoff, maxRecvBackoff)
			}
			select {
			case <-s.quit:
				return
			case <-time.After(backoff):
			}
			continue
		}
		if backoff != 0 {
			s.logger.Info("sample channel recovered")
			backoff = 0
		}

		sample, err := DecodeSample(data)
		if err != nil {
			s.stats.malformedSamples.Add(1)
			s.logger.Debug("dropping malformed sample", "error", err)
			continue
		}
		sample.Received = time.Now()
		s.stats.samplesReceived.Add(1)
		s.offer(sample)
	}
}

// offer replaces whatever is in the mailbox. Only read() writes, so the
// second send cannot block.
func (s *subscription) offer(sample Sample) {
	select {
	case <-s.latest:
		s.stats.samplesConflated.Add(1)
	default:
	}
	s.latest <- sample
}

// poll waits up to timeout for a sample. A non-positive timeout only checks
// what is already there.
func (s *subscription) poll(timeout time.Duration) (Sample, bool) {
	if timeout <= 0 {
		select {
		case sample := <-s.latest:
			return sample, true
		default:
			return Sample{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sample := <-s.latest:
		return sample, true
	case <-s.done:
		return Sample{}, false
	case <-timer.C:
		return Sample{}, false
	}
}

func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		err = s.ch.Close()
		<-s.done
	})
	return err
}
