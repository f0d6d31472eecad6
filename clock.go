package metronome

import (
	"sync"
	"time"
)

// Stopwatch is a pausable source of monotonic elapsed time.
//
// All target-time math in a Scheduler is done against a Stopwatch rather
// than wall-clock time, so system clock adjustments cannot skew the
// schedule. The zero value is a valid, paused stopwatch at zero elapsed.
//
// A Scheduler creates and owns its own Stopwatch unless one is injected
// with WithClock; an injected stopwatch is only started (or resumed) by the
// scheduler, never stopped, so the caller can share it across components.
type Stopwatch struct {
	mu      sync.Mutex
	acc     time.Duration // elapsed accumulated across finished segments
	started time.Time     // start of the current segment; zero while paused
}

// NewStopwatch returns a running stopwatch at zero elapsed.
func NewStopwatch() *Stopwatch {
	w := &Stopwatch{}
	w.Start()
	return w
}

// Start begins or resumes measurement. It is a no-op while running.
func (w *Stopwatch) Start() {
	w.mu.Lock()
	if w.started.IsZero() {
		w.started = time.Now()
	}
	w.mu.Unlock()
}

// Stop pauses measurement, folding the current segment into the total.
// It is a no-op while paused.
func (w *Stopwatch) Stop() {
	w.mu.Lock()
	if !w.started.IsZero() {
		w.acc += time.Since(w.started)
		w.started = time.Time{}
	}
	w.mu.Unlock()
}

// Restart zeroes the elapsed total and starts measuring again.
func (w *Stopwatch) Restart() {
	w.mu.Lock()
	w.acc = 0
	w.started = time.Now()
	w.mu.Unlock()
}

// Elapsed reports the total measured time. It never decreases except
// across Restart.
func (w *Stopwatch) Elapsed() time.Duration {
	w.mu.Lock()
	d := w.acc
	if !w.started.IsZero() {
		d += time.Since(w.started)
	}
	w.mu.Unlock()
	return d
}

// Running reports whether the stopwatch is currently measuring.
func (w *Stopwatch) Running() bool {
	w.mu.Lock()
	r := !w.started.IsZero()
	w.mu.Unlock()
	return r
}
