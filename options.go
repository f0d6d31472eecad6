package metronome

import (
	"fmt"
	"strings"
	"time"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// DefaultInterval is used when no WithInterval option is given.
const DefaultInterval = 1000 * time.Millisecond

type settings struct {
	name       string
	interval   time.Duration
	startDelay time.Duration
	priority   Priority
	clock      *Stopwatch // nil means the scheduler owns its own
	log        logx.Logger
}

func defaultSettings() settings {
	return settings{
		interval: DefaultInterval,
		priority: PriorityNormal,
		log:      logx.Nop(),
	}
}

func (s settings) validate() error {
	if s.interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %v)", s.interval)
	}
	if s.startDelay < 0 {
		return fmt.Errorf("start delay must be >= 0 (got %v)", s.startDelay)
	}
	if !s.priority.valid() {
		return fmt.Errorf("invalid priority %d", int(s.priority))
	}
	return nil
}

// Option configures a Scheduler at construction (New) or between runs
// (Configure).
type Option func(*settings)

// WithInterval sets the target spacing between run starts.
// Must be > 0; the default is DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithStartDelay delays the first run after each Start by d.
// Must be >= 0; the default is 0.
func WithStartDelay(d time.Duration) Option {
	return func(s *settings) { s.startDelay = d }
}

// WithPriority sets the advisory loop priority.
func WithPriority(p Priority) Option {
	return func(s *settings) { s.priority = p }
}

// WithName labels the scheduler in logs, failures and status output.
func WithName(name string) Option {
	return func(s *settings) { s.name = strings.TrimSpace(name) }
}

// WithClock injects a caller-owned stopwatch as the scheduler's time
// source. The scheduler starts (or resumes) it on Start but never stops
// it; lifetime stays with the caller. A nil stopwatch is ignored.
func WithClock(w *Stopwatch) Option {
	return func(s *settings) {
		if w != nil {
			s.clock = w
		}
	}
}

// WithLogger sets the logger for loop diagnostics. The default discards
// everything.
func WithLogger(log logx.Logger) Option {
	return func(s *settings) {
		if !log.IsZero() {
			s.log = log
		}
	}
}
