// Package resilience provides the outbound-call guard rails: a sliding
// request-rate window for telemetry and a circuit breaker.
package resilience

import (
	"sync"
	"time"
)

// DefaultWindow is the span of the sliding request window.
const DefaultWindow = 60 * time.Second

// RateWindow records outbound request timestamps over a sliding window.
// It is observability only: callers are never throttled or rejected
// based on its contents.
type RateWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

// NewRateWindow creates a RateWindow spanning d (DefaultWindow if d <= 0).
func NewRateWindow(d time.Duration) *RateWindow {
	if d <= 0 {
		d = DefaultWindow
	}
	return &RateWindow{window: d, now: time.Now}
}

// Record notes one outbound request at the current time.
func (w *RateWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim()
	w.times = append(w.times, w.now())
}

// Count purges expired entries and returns how many requests remain in
// the window.
func (w *RateWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim()
	return len(w.times)
}

// trim drops entries older than the window. Must hold mu.
func (w *RateWindow) trim() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
