package metronome

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func mustStop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	noop := TaskFunc(func(context.Context) error { return nil })

	tests := []struct {
		name string
		task Task
		opts []Option
		ok   bool
	}{
		{name: "nil task", task: nil, ok: false},
		{name: "defaults", task: noop, ok: true},
		{name: "zero interval", task: noop, opts: []Option{WithInterval(0)}, ok: false},
		{name: "negative interval", task: noop, opts: []Option{WithInterval(-time.Second)}, ok: false},
		{name: "negative start delay", task: noop, opts: []Option{WithStartDelay(-time.Millisecond)}, ok: false},
		{name: "bad priority", task: noop, opts: []Option{WithPriority(Priority(99))}, ok: false},
		{name: "full", task: noop, opts: []Option{
			WithInterval(250 * time.Millisecond),
			WithStartDelay(10 * time.Millisecond),
			WithPriority(PriorityHigh),
			WithName("probe"),
		}, ok: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.task, tt.opts...)
			if tt.ok {
				if err != nil {
					t.Fatalf("New error: %v", err)
				}
				if s == nil {
					t.Fatal("New returned nil scheduler")
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return nil }))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := s.Interval(); got != DefaultInterval {
		t.Fatalf("Interval = %v, want %v", got, DefaultInterval)
	}
	if got := s.StartDelay(); got != 0 {
		t.Fatalf("StartDelay = %v, want 0", got)
	}
	if s.Running() {
		t.Fatal("new scheduler should be stopped")
	}
	if got := s.Status().Priority; got != "normal" {
		t.Fatalf("Priority = %q, want normal", got)
	}
}

func TestRunsAtConfiguredRate(t *testing.T) {
	t.Parallel()
	const interval = 50 * time.Millisecond

	var runs uint64
	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		return nil
	}), WithInterval(interval))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	time.Sleep(480 * time.Millisecond)
	mustStop(t, s)
	elapsed := s.Clock().Elapsed() - s.Epoch()

	// The first run fires at the epoch and then one per interval, so over
	// any window there are at most elapsed/interval+1 opportunities. The
	// lower bound holds even under load: a starved loop catches up because
	// a near-instant task accrues no lag.
	got := atomic.LoadUint64(&runs)
	maxRuns := uint64(elapsed/interval) + 1
	if got > maxRuns {
		t.Fatalf("runs = %d over %v, want <= %d", got, elapsed, maxRuns)
	}
	if got < 8 {
		t.Fatalf("runs = %d over %v, want >= 8", got, elapsed)
	}
	if s.RunCount() != got {
		t.Fatalf("RunCount = %d, want %d", s.RunCount(), got)
	}
	// A near-instant task must not accrue lag.
	if lag := s.TotalLagTime(); lag > 15*time.Millisecond {
		t.Fatalf("TotalLagTime = %v, want ~0", lag)
	}
}

// Scaled version of the 3.5-seconds-at-1s scenario: after 3.5 intervals
// the scheduler has fired floor(3.5)..floor(3.5)+1 times with no lag.
func TestRunCountAfterThreeAndAHalfIntervals(t *testing.T) {
	t.Parallel()
	const interval = 200 * time.Millisecond

	var runs uint64
	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		return nil
	}), WithInterval(interval))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	time.Sleep(700 * time.Millisecond) // 3.5 intervals
	mustStop(t, s)
	elapsed := s.Clock().Elapsed() - s.Epoch()

	got := atomic.LoadUint64(&runs)
	if maxRuns := uint64(elapsed/interval) + 1; got > maxRuns {
		t.Fatalf("runs = %d over %v, want <= %d", got, elapsed, maxRuns)
	}
	if got < 3 {
		t.Fatalf("runs = %d, want >= 3", got)
	}
	if lag := s.TotalLagTime(); lag > 15*time.Millisecond {
		t.Fatalf("TotalLagTime = %v, want ~0", lag)
	}
}

func TestStartDelay(t *testing.T) {
	t.Parallel()
	const delay = 120 * time.Millisecond

	clock := NewStopwatch()
	firstRun := make(chan time.Duration, 1)
	s, err := New(TaskFunc(func(context.Context) error {
		select {
		case firstRun <- clock.Elapsed():
		default:
		}
		return nil
	}), WithInterval(time.Second), WithStartDelay(delay), WithClock(clock))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	time.Sleep(50 * time.Millisecond)
	if got := s.RunCount(); got != 0 {
		t.Fatalf("run fired before the start delay: RunCount = %d", got)
	}

	select {
	case at := <-firstRun:
		if since := at - s.Epoch(); since < delay-10*time.Millisecond {
			t.Fatalf("first run %v after epoch, want >= ~%v", since, delay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first run never fired")
	}
	mustStop(t, s)
}

func TestDriftAbsorption(t *testing.T) {
	t.Parallel()
	const (
		interval = 60 * time.Millisecond
		body     = 100 * time.Millisecond // overruns every cycle by ~40ms
	)

	clock := NewStopwatch()
	var mu sync.Mutex
	var starts []time.Duration

	s, err := New(TaskFunc(func(context.Context) error {
		mu.Lock()
		starts = append(starts, clock.Elapsed())
		mu.Unlock()
		time.Sleep(body)
		return nil
	}), WithInterval(interval), WithClock(clock))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	waitFor(t, 5*time.Second, func() bool { return s.RunCount() >= 4 })
	mustStop(t, s)

	runs := s.RunCount()

	// Every cycle overran by at least ~body-interval, so lag accrues with
	// each completed run. Halved to absorb scheduling noise.
	wantLagMin := time.Duration(runs-1) * (body - interval) / 2
	if lag := s.TotalLagTime(); lag < wantLagMin {
		t.Fatalf("TotalLagTime = %v, want >= %v after %d overruns", lag, wantLagMin, runs)
	}

	// With the lag folded in, consecutive starts are spaced by the body
	// time, not the (shorter) interval: no catch-up bursts.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		gap := starts[i] - starts[i-1]
		if gap < body-20*time.Millisecond {
			t.Fatalf("cycle %d started %v after its predecessor, want >= ~%v", i, gap, body)
		}
	}

	// Total run time reflects the slow body.
	if tr := s.TotalRunTime(); tr < time.Duration(runs)*body/2 {
		t.Fatalf("TotalRunTime = %v, too small for %d runs of %v", tr, runs, body)
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight int64
	s, err := New(TaskFunc(func(context.Context) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	}), WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	waitFor(t, 5*time.Second, func() bool { return s.RunCount() >= 5 })
	mustStop(t, s)

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Fatalf("max in-flight = %d, want 1", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	const interval = 20 * time.Millisecond

	var runs uint64
	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		return nil
	}), WithInterval(interval))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	s.Start()
	s.Start()
	time.Sleep(210 * time.Millisecond)
	mustStop(t, s)
	elapsed := s.Clock().Elapsed() - s.Epoch()

	// A duplicated loop would double the rate and blow the opportunity
	// bound.
	got := atomic.LoadUint64(&runs)
	if maxRuns := uint64(elapsed/interval) + 1; got > maxRuns {
		t.Fatalf("runs = %d over %v, want <= %d (single loop)", got, elapsed, maxRuns)
	}
	if got < 5 {
		t.Fatalf("runs = %d, scheduler barely ran", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return nil }),
		WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// Stop before any Start is a no-op.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped scheduler: %v", err)
	}

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() >= 1 })
	mustStop(t, s)
	count := s.RunCount()

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := s.RunCount(); got != count {
		t.Fatalf("RunCount moved across redundant Stop: %d -> %d", count, got)
	}
}

func TestStopDuringWaitExitsWithoutExtraCycle(t *testing.T) {
	t.Parallel()
	var runs uint64
	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		return nil
	}), WithInterval(10*time.Second))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	// First run fires at the epoch; then the loop waits ~10s.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadUint64(&runs) == 1 })

	begun := time.Now()
	mustStop(t, s)
	if took := time.Since(begun); took > time.Second {
		t.Fatalf("Stop took %v, want prompt wakeup from the wait", took)
	}
	if got := atomic.LoadUint64(&runs); got != 1 {
		t.Fatalf("runs = %d after stop-during-wait, want 1", got)
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New(TaskFunc(func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	<-started

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()

	select {
	case err := <-stopDone:
		t.Fatalf("Stop returned %v while the run was still in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the run finished")
	}
	if got := s.RunCount(); got != 1 {
		t.Fatalf("RunCount = %d, want 1", got)
	}
}

func TestStopWithExpiredContextDoesNotWait(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New(TaskFunc(func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	begun := time.Now()
	err = s.Stop(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop = %v, want context.Canceled", err)
	}
	if took := time.Since(begun); took > 500*time.Millisecond {
		t.Fatalf("non-waiting Stop took %v", took)
	}
	if s.Running() {
		t.Fatal("Running() should be false once Stop begins")
	}

	// The drain finishes in the background once the task returns.
	close(release)
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() == 1 })
}

func TestStartWaitsOutDrainingStop(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs uint64
	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop = %v, want context.Canceled", err)
	}

	startReturned := make(chan struct{})
	go func() {
		s.Start() // must wait for the draining loop first
		close(startReturned)
	}()

	select {
	case <-startReturned:
		t.Fatal("Start returned while the previous loop was still draining")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-startReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("Start never returned after the drain completed")
	}

	// Exactly one fresh loop: its first cycle runs immediately (the closed
	// channel no longer blocks), then the next target is an hour out.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadUint64(&runs) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadUint64(&runs); got != 2 {
		t.Fatalf("runs = %d, want 2 (single fresh loop)", got)
	}
	mustStop(t, s)
}

func TestFaultIsolationError(t *testing.T) {
	t.Parallel()
	taskErr := errors.New("boom")
	s, err := New(TaskFunc(func(context.Context) error { return taskErr }),
		WithInterval(15*time.Millisecond), WithName("faulty"))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var mu sync.Mutex
	var got []Failure
	remove := s.OnFailure(func(f Failure) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	defer remove()

	s.Start()
	waitFor(t, 3*time.Second, func() bool { return s.RunCount() >= 3 })
	if !s.Running() {
		t.Fatal("loop died on task error")
	}
	mustStop(t, s)

	runs := s.RunCount()
	fails := s.FailureCount()
	if fails != runs {
		t.Fatalf("FailureCount = %d, want %d (one per run)", fails, runs)
	}

	mu.Lock()
	defer mu.Unlock()
	if uint64(len(got)) != fails {
		t.Fatalf("notifications = %d, want %d", len(got), fails)
	}
	f := got[0]
	if !errors.Is(f.Err, taskErr) {
		t.Fatalf("Failure.Err = %v, want %v", f.Err, taskErr)
	}
	if f.Scheduler != "faulty" {
		t.Fatalf("Failure.Scheduler = %q, want faulty", f.Scheduler)
	}
	if f.Stack != "" {
		t.Fatalf("Failure.Stack = %q, want empty for plain errors", f.Stack)
	}
	if f.Fatal {
		t.Fatal("task faults must not be fatal")
	}
	if f.Cycle != 0 {
		t.Fatalf("Failure.Cycle = %d, want 0 for the first run", f.Cycle)
	}
	if f.At.IsZero() {
		t.Fatal("Failure.At not set")
	}
}

func TestFaultIsolationPanic(t *testing.T) {
	t.Parallel()
	var calls uint64
	s, err := New(TaskFunc(func(context.Context) error {
		if atomic.AddUint64(&calls, 1) == 1 {
			panic("first cycle explodes")
		}
		return nil
	}), WithInterval(15*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var mu sync.Mutex
	var got []Failure
	remove := s.OnFailure(func(f Failure) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	defer remove()

	s.Start()
	waitFor(t, 3*time.Second, func() bool { return s.RunCount() >= 3 })
	mustStop(t, s)

	if fails := s.FailureCount(); fails != 1 {
		t.Fatalf("FailureCount = %d, want 1", fails)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	f := got[0]
	if f.Err == nil || !strings.Contains(f.Err.Error(), "first cycle explodes") {
		t.Fatalf("Failure.Err = %v, want the panic message", f.Err)
	}
	if f.Stack == "" {
		t.Fatal("Failure.Stack empty for a panic")
	}
}

func TestPanickingFailureHandlerDoesNotKillLoop(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return errors.New("each run fails") }),
		WithInterval(15*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var delivered uint64
	removeBad := s.OnFailure(func(Failure) { panic("handler bug") })
	defer removeBad()
	removeGood := s.OnFailure(func(Failure) { atomic.AddUint64(&delivered, 1) })
	defer removeGood()

	s.Start()
	waitFor(t, 3*time.Second, func() bool { return s.RunCount() >= 3 })
	if !s.Running() {
		t.Fatal("loop died on a panicking handler")
	}
	mustStop(t, s)

	if atomic.LoadUint64(&delivered) == 0 {
		t.Fatal("later handler starved by the panicking one")
	}
}

func TestOnFailureRemove(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return errors.New("fail") }),
		WithInterval(15*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var seen uint64
	remove := s.OnFailure(func(Failure) { atomic.AddUint64(&seen, 1) })
	remove()
	remove() // removing twice is fine

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return s.FailureCount() >= 2 })
	mustStop(t, s)

	if got := atomic.LoadUint64(&seen); got != 0 {
		t.Fatalf("removed handler was called %d times", got)
	}
}

func TestRunOnceBypassesAccounting(t *testing.T) {
	t.Parallel()
	taskErr := errors.New("direct")
	s, err := New(TaskFunc(func(context.Context) error { return taskErr }),
		WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var notified uint64
	remove := s.OnFailure(func(Failure) { atomic.AddUint64(&notified, 1) })
	defer remove()

	if err := s.RunOnce(context.Background()); !errors.Is(err, taskErr) {
		t.Fatalf("RunOnce = %v, want %v", err, taskErr)
	}
	if got := s.RunCount(); got != 0 {
		t.Fatalf("RunCount = %d after RunOnce, want 0", got)
	}
	if got := s.FailureCount(); got != 0 {
		t.Fatalf("FailureCount = %d after RunOnce, want 0", got)
	}
	if got := s.TotalRunTime(); got != 0 {
		t.Fatalf("TotalRunTime = %v after RunOnce, want 0", got)
	}
	if got := atomic.LoadUint64(&notified); got != 0 {
		t.Fatalf("RunOnce notified %d subscribers, want 0", got)
	}
}

func TestRunOncePropagatesPanic(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { panic("untouched") }),
		WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("RunOnce swallowed the panic")
		}
	}()
	_ = s.RunOnce(context.Background())
}

func TestConfigureBetweenRuns(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return nil }),
		WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	if err := s.Configure(WithInterval(40 * time.Millisecond)); !errors.Is(err, ErrRunning) {
		t.Fatalf("Configure while running = %v, want ErrRunning", err)
	}
	mustStop(t, s)

	if err := s.Configure(WithInterval(-1 * time.Second)); err == nil {
		t.Fatal("Configure accepted a negative interval")
	}
	if got := s.Interval(); got != 20*time.Millisecond {
		t.Fatalf("failed Configure mutated the interval: %v", got)
	}

	if err := s.Configure(WithInterval(40*time.Millisecond), WithStartDelay(5*time.Millisecond)); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if got := s.Interval(); got != 40*time.Millisecond {
		t.Fatalf("Interval = %v, want 40ms", got)
	}
	if got := s.StartDelay(); got != 5*time.Millisecond {
		t.Fatalf("StartDelay = %v, want 5ms", got)
	}
}

func TestRestartResumesCadence(t *testing.T) {
	t.Parallel()
	var runs uint64
	var restarted uint32
	firstAfterRestart := make(chan time.Time, 1)

	s, err := New(TaskFunc(func(context.Context) error {
		atomic.AddUint64(&runs, 1)
		if atomic.LoadUint32(&restarted) == 1 {
			select {
			case firstAfterRestart <- time.Now():
			default:
			}
		}
		return nil
	}), WithInterval(40*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadUint64(&runs) >= 4 })
	mustStop(t, s)
	countAfterFirstLeg := s.RunCount()

	// Let real time pass while stopped; a restart must not replay it.
	time.Sleep(150 * time.Millisecond)

	atomic.StoreUint32(&restarted, 1)
	restartAt := time.Now()
	s.Start()

	select {
	case at := <-firstAfterRestart:
		// The first post-restart run fires near the new epoch (start delay
		// is zero), not runCount*interval into the future.
		if gap := at.Sub(restartAt); gap > 500*time.Millisecond {
			t.Fatalf("first run fired %v after restart, want near-immediate", gap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no run after restart")
	}
	mustStop(t, s)

	if got := s.RunCount(); got <= countAfterFirstLeg {
		t.Fatalf("RunCount = %d, want > %d (counters survive restarts)", got, countAfterFirstLeg)
	}
}

func TestCountersSurviveStop(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return errors.New("always")
	}), WithInterval(15*time.Millisecond))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	waitFor(t, 3*time.Second, func() bool { return s.RunCount() >= 3 })
	mustStop(t, s)

	runs, fails := s.RunCount(), s.FailureCount()
	runTime, lagTime := s.TotalRunTime(), s.TotalLagTime()
	if runs == 0 || fails == 0 || runTime == 0 {
		t.Fatalf("counters empty: runs=%d fails=%d runTime=%v", runs, fails, runTime)
	}

	// Stopped: everything holds still.
	time.Sleep(60 * time.Millisecond)
	if s.RunCount() != runs || s.FailureCount() != fails || s.TotalRunTime() != runTime || s.TotalLagTime() != lagTime {
		t.Fatal("counters changed while stopped")
	}
}

func TestBorrowedClockNotStoppedByScheduler(t *testing.T) {
	t.Parallel()
	w := NewStopwatch()
	s, err := New(TaskFunc(func(context.Context) error { return nil }),
		WithInterval(20*time.Millisecond), WithClock(w))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if s.Clock() != w {
		t.Fatal("Clock() should return the injected stopwatch")
	}

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() >= 1 })
	mustStop(t, s)

	if !w.Running() {
		t.Fatal("scheduler stopped a borrowed clock")
	}
}

func TestSchedulerResumesPausedInjectedClock(t *testing.T) {
	t.Parallel()
	w := NewStopwatch()
	w.Stop()

	s, err := New(TaskFunc(func(context.Context) error { return nil }),
		WithInterval(20*time.Millisecond), WithClock(w))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	if !w.Running() {
		t.Fatal("Start did not resume the paused clock")
	}
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() >= 1 })
	mustStop(t, s)
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	s, err := New(TaskFunc(func(context.Context) error { return nil }),
		WithInterval(25*time.Millisecond),
		WithName("snap"),
		WithPriority(PriorityHigh),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() >= 2 })
	st := s.Status()
	mustStop(t, s)

	if st.Name != "snap" {
		t.Fatalf("Status.Name = %q", st.Name)
	}
	if !st.Running {
		t.Fatal("Status.Running = false while started")
	}
	if st.RunCount < 2 {
		t.Fatalf("Status.RunCount = %d", st.RunCount)
	}
	if st.Interval != 25*time.Millisecond {
		t.Fatalf("Status.Interval = %v", st.Interval)
	}
	if st.Priority != "high" {
		t.Fatalf("Status.Priority = %q", st.Priority)
	}
	if st.Elapsed <= 0 {
		t.Fatalf("Status.Elapsed = %v", st.Elapsed)
	}
}

func TestTaskContextCanceledOnStop(t *testing.T) {
	t.Parallel()
	observed := make(chan error, 1)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New(TaskFunc(func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		observed <- ctx.Err()
		return nil
	}), WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	s.Start()
	<-started

	// Begin a non-waiting stop while the run is blocked, then let it
	// finish and check the task saw the cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Stop(ctx)
	close(release)

	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("task ctx.Err() = %v, want context.Canceled after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never observed the stop")
	}
	waitFor(t, 2*time.Second, func() bool { return s.RunCount() == 1 })
}
