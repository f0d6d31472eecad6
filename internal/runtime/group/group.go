// Package group manages named goroutines tied to a shared context:
// panic recovery, optional cancel-on-first-error, restart loops with
// jittered backoff, and per-name stats for status output.
package group

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	// started counts goroutines ever launched; active counts the ones
	// currently running. Operational signals, not synchronization.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option {
	return func(g *Group) { g.log = log }
}

// WithCancelOnError cancels the group context on the first non-nil
// error from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(g *Group) { g.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Cancel cancels the group context without waiting for goroutines.
func (g *Group) Cancel() { g.cancel() }

func (g *Group) Err() error {
	if v := g.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Counters holds best-effort goroutine counts.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (g *Group) Counters() Counters {
	if g == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&g.active),
		Started: atomic.LoadUint64(&g.started),
	}
}

// TaskStats aggregates runs of goroutines sharing a name.
type TaskStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (g *Group) Snapshot() Snapshot {
	if g == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: g.Counters()}
	if err := g.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	g.mu.Lock()
	tasks := make([]TaskStats, 0, len(g.stats))
	for _, st := range g.stats {
		tasks = append(tasks, TaskStats{
			Name:         st.name,
			Active:       st.active,
			Started:      st.started,
			Panics:       st.panics,
			Restarts:     st.restarts,
			LastStartAt:  st.lastStartAt,
			LastStopAt:   st.lastStopAt,
			LastErr:      st.lastErr,
			LastErrAt:    st.lastErrAt,
			LastPanic:    st.lastPanic,
			LastPanicAt:  st.lastPanicAt,
			LastRuntime:  st.lastRuntime,
			TotalRuntime: st.totalRuntime,
		})
	}
	g.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		// Active first, then most recently started, then name.
		if tasks[i].Active != tasks[j].Active {
			return tasks[i].Active > tasks[j].Active
		}
		if !tasks[i].LastStartAt.Equal(tasks[j].LastStartAt) {
			return tasks[i].LastStartAt.After(tasks[j].LastStartAt)
		}
		return tasks[i].Name < tasks[j].Name
	})

	snap.Tasks = tasks
	return snap
}

type taskStats struct {
	name         string
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErr      string
	lastErrAt    time.Time
	lastPanic    string
	lastPanicAt  time.Time
	lastRuntime  time.Duration
	totalRuntime time.Duration
}

// stat returns the stats bucket for name, creating it if needed. Caller
// must hold g.mu.
func (g *Group) stat(name string) *taskStats {
	st := g.stats[name]
	if st == nil {
		st = &taskStats{name: name}
		g.stats[name] = st
	}
	return st
}

func (g *Group) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	st.started++
	if isRestart {
		st.restarts++
	}
	st.active++
	st.lastStartAt = now
	g.mu.Unlock()
	return now
}

func (g *Group) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.lastRuntime = now.Sub(startedAt)
	st.totalRuntime += now.Sub(startedAt)
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = now
	}
	g.mu.Unlock()
}

func (g *Group) notePanic(name string, p any) {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	st.panics++
	st.lastPanicAt = now
	st.lastPanic = fmt.Sprint(p)
	g.mu.Unlock()
}

// Go launches fn under the group context. Panics are recovered and
// recorded; a non-nil, non-Canceled return becomes the group error.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&g.started, 1)
	atomic.AddInt64(&g.active, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer atomic.AddInt64(&g.active, -1)

		startedAt := g.noteStart(name, false)

		defer func() {
			if r := recover(); r != nil {
				g.notePanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !g.log.IsZero() {
					g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
				g.noteStop(name, startedAt, err)
				g.setErr(err)
				if g.cancelOnErr {
					g.cancel()
				}
			}
		}()

		if !g.log.IsZero() {
			g.log.Debug("goroutine started", logx.String("name", name))
		}
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err2 := fmt.Errorf("%s: %w", name, err)
			g.noteStop(name, startedAt, err2)
			g.setErr(err2)
			if g.cancelOnErr {
				g.cancel()
			}
		} else {
			g.noteStop(name, startedAt, nil)
		}
		if !g.log.IsZero() {
			g.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions without an error return.
func (g *Group) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	g.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	fatalOnFinalErr bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between
// restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The initial run is
// not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnFinalError publishes the final error (and cancels the group
// when cancel-on-error is set) after restarts are exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnFinalErr = enabled }
}

// WithPublishFirstError records the first error/panic as the group error
// while still restarting. Useful to surface flapping in /healthz.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops (instead of restarting) when fn returns nil.
// Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is canceled. Meant for
// long-running loops (watchers, listeners) that should self-heal.
func (g *Group) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = 250 * time.Millisecond
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	// The restart loop lives in one hosting goroutine; stats for the
	// logical name are recorded per attempt, so the host uses a distinct
	// name to avoid double counting.
	g.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			startedAt := g.noteStart(name, restarts > 0)

			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				err = fn(ctx)
				return
			}()

			if pan != nil {
				g.notePanic(name, pan)
				if !g.log.IsZero() {
					g.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// Shutdown in progress: treat the exit as clean even if the
			// function surfaced an error from a torn-down dependency.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				g.noteStop(name, startedAt, nil)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					g.noteStop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			err2 := fmt.Errorf("%s: %w", name, err)
			g.noteStop(name, startedAt, err2)
			if cfg.publishFirstErr {
				g.setErr(err2)
			}

			restarts++
			// A long healthy run resets the backoff so rare failures don't
			// pay accumulated delay.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				if !g.log.IsZero() {
					g.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Any("err", err))
				}
				if cfg.fatalOnFinalErr {
					g.setErr(err2)
					if g.cancelOnErr {
						g.cancel()
					}
				}
				return
			}

			wait := backoff
			if wait > cfg.maxBackoff {
				wait = cfg.maxBackoff
			}
			// 20% jitter.
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			if !g.log.IsZero() {
				g.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

// Stop cancels the group and waits for every goroutine, bounded by ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return g.Err()
	}
}

func (g *Group) setErr(err error) {
	if err == nil {
		return
	}
	g.errOnce.Do(func() { g.firstErr.Store(err) })
}
