package metronome

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// ErrRunning is returned by Configure while the scheduler is running
// (including while a previous Stop is still draining).
var ErrRunning = errors.New("scheduler is running")

// Scheduler fires a Task at a fixed rate on its own goroutine, absorbing
// overruns into a lag budget so the average rate holds. See the package
// documentation for the timing model.
//
// All methods are safe for concurrent use. Counters are lifetime values:
// Stop/Start never resets them.
type Scheduler struct {
	mu sync.Mutex

	task Task
	set  settings
	log  logx.Logger

	clock      *Stopwatch
	ownedClock bool

	stopCh    chan struct{}
	stopDone  chan struct{}
	loopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	running uint32 // atomic; 1 between Start and Stop

	// Lifetime counters (atomic). Durations are nanoseconds.
	runCount   uint64
	failures   uint64
	totalRunNS int64
	totalLagNS int64
	epochNS    int64

	obsMu  sync.Mutex
	obsSeq int
	obs    []failureSub
}

// Status is a point-in-time snapshot of a scheduler. Fields are read
// individually; under concurrent load they may be mutually stale by a
// cycle.
type Status struct {
	Name         string        `json:"name,omitempty"`
	Running      bool          `json:"running"`
	RunCount     uint64        `json:"run_count"`
	FailureCount uint64        `json:"failure_count"`
	TotalRunTime time.Duration `json:"total_run_time"`
	TotalLagTime time.Duration `json:"total_lag_time"`
	Interval     time.Duration `json:"interval"`
	StartDelay   time.Duration `json:"start_delay"`
	Priority     string        `json:"priority"`
	Epoch        time.Duration `json:"epoch"`
	Elapsed      time.Duration `json:"elapsed"`
}

// New builds a stopped scheduler around task. The default configuration
// runs task every DefaultInterval with no start delay at normal priority.
func New(task Task, opts ...Option) (*Scheduler, error) {
	if task == nil {
		return nil, errors.New("task required")
	}
	set := defaultSettings()
	for _, o := range opts {
		if o != nil {
			o(&set)
		}
	}
	if err := set.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{task: task, set: set}
	s.clock = set.clock
	if s.clock == nil {
		s.clock = NewStopwatch()
		s.ownedClock = true
	}
	s.recomposeLogLocked()
	return s, nil
}

// Configure applies opts between runs. It fails with ErrRunning while the
// scheduler is running or a previous Stop is still draining, and leaves
// the configuration untouched when validation fails.
func (s *Scheduler) Configure(opts ...Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return ErrRunning
	}

	next := s.set
	for _, o := range opts {
		if o != nil {
			o(&next)
		}
	}
	if err := next.validate(); err != nil {
		return err
	}

	s.set = next
	if next.clock != nil && next.clock != s.clock {
		s.clock = next.clock
		s.ownedClock = false
	}
	s.recomposeLogLocked()
	return nil
}

func (s *Scheduler) recomposeLogLocked() {
	log := s.set.log
	if s.set.name != "" {
		log = log.With(logx.String("scheduler", s.set.name))
	}
	s.log = log
}

// Start begins scheduled execution. It is idempotent: calling it on a
// running scheduler does nothing. If a previous Stop is still draining,
// Start waits for the old loop to exit so at most one loop is ever alive.
//
// Each Start captures a fresh epoch from the clock (resuming it if
// paused); the start delay applies again and targets are computed
// relative to the new epoch, while the lifetime counters keep their
// values.
func (s *Scheduler) Start() {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		<-done
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	if !s.clock.Running() {
		s.clock.Start()
	}
	epoch := s.clock.Elapsed()
	atomic.StoreInt64(&s.epochNS, int64(epoch))

	// Targets for this loop are relative to the counter values at start,
	// so a restart resumes the cadence instead of replaying the past.
	baseRuns := atomic.LoadUint64(&s.runCount)
	baseLag := time.Duration(atomic.LoadInt64(&s.totalLagNS))

	set := s.set
	log := s.log
	runCtx := s.runCtx
	stopCh := s.stopCh
	loopDone := s.loopDone
	atomic.StoreUint32(&s.running, 1)

	go s.loop(runCtx, stopCh, loopDone, set, log, epoch, baseRuns, baseLag)

	log.Debug("scheduler started",
		logx.Duration("interval", set.interval),
		logx.Duration("start_delay", set.startDelay),
		logx.String("priority", set.priority.String()),
		logx.Duration("epoch", epoch),
	)
}

// Stop ends scheduled execution. It is idempotent: stopping a stopped
// scheduler returns nil immediately.
//
// Stop marks the scheduler not running, cancels the task context and
// wakes the loop, then waits for the loop to exit. A run already in
// flight always completes; the loop releases its own timer on every exit
// path. When ctx expires first, Stop returns ctx.Err() and the loop
// finishes draining in the background — a later Start waits it out.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		// another Stop is already draining; wait alongside it
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	loopDone := s.loopDone
	cancel := s.runCancel
	s.runCancel = nil
	log := s.log
	s.mu.Unlock()

	start := time.Now()
	atomic.StoreUint32(&s.running, 0)
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		<-loopDone
		s.mu.Lock()
		s.stopCh = nil
		s.loopDone = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		log.Debug("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// drain continues in background
		return ctx.Err()
	}
}

// RunOnce executes the task synchronously on the caller's goroutine,
// outside the timing loop. It does not touch the run counters, does not
// notify failure subscribers, and does not recover panics: the error (or
// panic) is the caller's to handle. It may overlap scheduled runs.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.task.Run(ctx)
}

// loop is the timing loop; exactly one instance runs per started
// scheduler. Targets are computed fresh each cycle from the run and lag
// counters, so no error can accumulate across cycles:
//
//	target = runsSinceStart*interval + startDelay + lagSinceStart + epoch
//
// Overruns feed the lag term, pushing every later target back by the
// overshoot.
func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, loopDone chan<- struct{}, set settings, log logx.Logger, epoch time.Duration, baseRuns uint64, baseLag time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			// Task panics are recovered in runCycle; reaching this means
			// the loop itself is broken. Record it and let Stop reclaim.
			atomic.AddUint64(&s.failures, 1)
			log.Error("panic in timing loop",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
		atomic.StoreUint32(&s.running, 0)
		close(loopDone)
	}()

	if set.priority.elevated() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		runs := time.Duration(atomic.LoadUint64(&s.runCount) - baseRuns)
		lag := time.Duration(atomic.LoadInt64(&s.totalLagNS)) - baseLag
		target := runs*set.interval + set.startDelay + lag + epoch

		if wait := target - s.clock.Elapsed(); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}

		began := s.clock.Elapsed()
		s.runCycle(ctx, set, log)
		took := s.clock.Elapsed() - began

		if over := took - set.interval; over > 0 {
			atomic.AddInt64(&s.totalLagNS, int64(over))
		}
		atomic.AddInt64(&s.totalRunNS, int64(took))
		atomic.AddUint64(&s.runCount, 1)
	}
}

// runCycle runs the task once with fault isolation: errors and panics
// become Failure notifications and the loop carries on.
func (s *Scheduler) runCycle(ctx context.Context, set settings, log logx.Logger) {
	cycle := atomic.LoadUint64(&s.runCount)
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			s.notifyFailure(log, Failure{
				Scheduler: set.name,
				Cycle:     cycle,
				Err:       err,
				Stack:     string(debug.Stack()),
				At:        time.Now(),
			})
		}
	}()

	if err := s.task.Run(ctx); err != nil {
		s.notifyFailure(log, Failure{
			Scheduler: set.name,
			Cycle:     cycle,
			Err:       err,
			At:        time.Now(),
		})
	}
}

// Running reports whether scheduled execution is active. It turns false
// as soon as Stop begins, even if the final run is still draining.
func (s *Scheduler) Running() bool {
	return atomic.LoadUint32(&s.running) == 1
}

// RunCount is the lifetime number of completed scheduled runs.
func (s *Scheduler) RunCount() uint64 {
	return atomic.LoadUint64(&s.runCount)
}

// FailureCount is the lifetime number of faulted scheduled runs.
func (s *Scheduler) FailureCount() uint64 {
	return atomic.LoadUint64(&s.failures)
}

// TotalRunTime is the lifetime time spent inside the task.
func (s *Scheduler) TotalRunTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.totalRunNS))
}

// TotalLagTime is the lifetime accumulated overrun. It grows only when a
// run takes longer than the interval; fast runs never shrink it.
func (s *Scheduler) TotalLagTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.totalLagNS))
}

// Epoch is the clock reading captured by the most recent Start.
func (s *Scheduler) Epoch() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.epochNS))
}

// Clock returns the scheduler's time source (owned or injected).
func (s *Scheduler) Clock() *Stopwatch {
	s.mu.Lock()
	w := s.clock
	s.mu.Unlock()
	return w
}

// Name returns the WithName label; may be empty.
func (s *Scheduler) Name() string {
	s.mu.Lock()
	n := s.set.name
	s.mu.Unlock()
	return n
}

// Interval returns the configured target interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	d := s.set.interval
	s.mu.Unlock()
	return d
}

// StartDelay returns the configured delay before the first run of each
// Start.
func (s *Scheduler) StartDelay() time.Duration {
	s.mu.Lock()
	d := s.set.startDelay
	s.mu.Unlock()
	return d
}

// Status assembles a snapshot of all counters and configuration.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	set := s.set
	clock := s.clock
	s.mu.Unlock()

	return Status{
		Name:         set.name,
		Running:      s.Running(),
		RunCount:     s.RunCount(),
		FailureCount: s.FailureCount(),
		TotalRunTime: s.TotalRunTime(),
		TotalLagTime: s.TotalLagTime(),
		Interval:     set.interval,
		StartDelay:   set.startDelay,
		Priority:     set.priority.String(),
		Epoch:        s.Epoch(),
		Elapsed:      clock.Elapsed(),
	}
}
