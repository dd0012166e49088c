package loop

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// timingWindow holds the most recent iteration durations in seconds.
type timingWindow struct {
	mu      sync.Mutex
	win     []float64
	n, i, l int
}

func newTimingWindow(n int) *timingWindow {
	return &timingWindow{n: n, win: make([]float64, n)}
}

func (w *timingWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.win[w.i] = d.Seconds()
	w.i = (w.i + 1) % w.n
	if w.l != w.n {
		w.l++
	}
}

func (w *timingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.i, w.l = 0, 0
}

// meanStdDev returns the window's mean and standard deviation. The standard
// deviation is zero until two durations are recorded.
func (w *timingWindow) meanStdDev() (mean, std time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.l {
	case 0:
		return 0, 0
	case 1:
		return seconds(w.win[0]), 0
	}
	m, s := stat.MeanStdDev(w.win[:w.l], nil)
	return seconds(m), seconds(s)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
