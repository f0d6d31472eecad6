// Package runner owns one scheduler per configured probe. It reconciles
// the running set against config snapshots, rate-limits failure logging,
// and exposes status for the ops endpoint and metrics.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jazzonaut/metronome"
	"github.com/jazzonaut/metronome/internal/config"
	"github.com/jazzonaut/metronome/internal/probe"
	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// defaults are the resolved runner-level settings.
type defaults struct {
	schedule time.Duration
	logEvery time.Duration
	logBurst int
}

// resolved is one probe ready to be scheduled.
type resolved struct {
	cfg        config.ProbeConfig
	name       string
	interval   time.Duration
	startDelay time.Duration
	priority   metronome.Priority
	workload   probe.Spec
}

// entry is one live probe: its scheduler, its failure subscription, and
// the log limiter.
type entry struct {
	cfg    config.ProbeConfig
	sched  *metronome.Scheduler
	remove func()

	limiter    *rate.Limiter
	suppressed uint64
}

type Service struct {
	log logx.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(log logx.Logger) *Service {
	return &Service{
		log:     log.With(logx.String("svc", "runner")),
		entries: map[string]*entry{},
	}
}

// Validate checks a config snapshot without touching the running set. It
// is installed as the config manager's validator so bad edits are
// rejected before publish.
func (s *Service) Validate(_ context.Context, cfg *config.Config) error {
	_, _, err := resolveAll(cfg)
	return err
}

// Apply reconciles the running probes with cfg: unchanged probes keep
// running (and keep their counters), changed ones are rebuilt, removed
// ones are stopped. ctx bounds the waiting on in-flight runs.
func (s *Service) Apply(ctx context.Context, cfg *config.Config) error {
	rs, def, err := resolveAll(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(rs))
	for _, r := range rs {
		seen[r.name] = true
		if e, ok := s.entries[r.name]; ok {
			if e.cfg == r.cfg {
				// Unchanged definition; only refresh the log limiter in
				// case runner defaults moved.
				e.limiter.SetLimit(rate.Every(def.logEvery))
				e.limiter.SetBurst(def.logBurst)
				continue
			}
			s.stopEntry(ctx, r.name, e)
			delete(s.entries, r.name)
		}

		e, err := s.startEntry(r, def)
		if err != nil {
			return fmt.Errorf("probe %q: %w", r.name, err)
		}
		s.entries[r.name] = e
	}

	for name, e := range s.entries {
		if !seen[name] {
			s.stopEntry(ctx, name, e)
			delete(s.entries, name)
		}
	}
	return nil
}

// Stop winds down every probe. ctx bounds the waiting.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, e := range s.entries {
		e.remove()
		if err := e.sched.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop probe %q: %w", name, err)
		}
		delete(s.entries, name)
	}
	return firstErr
}

// Snapshot returns per-probe status sorted by name.
func (s *Service) Snapshot() []metronome.Status {
	s.mu.Lock()
	out := make([]metronome.Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sched.Status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Active reports how many probes are currently scheduled.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) startEntry(r resolved, def defaults) (*entry, error) {
	p := probe.New(r.workload, s.log)
	sched, err := metronome.New(p,
		metronome.WithName(r.name),
		metronome.WithInterval(r.interval),
		metronome.WithStartDelay(r.startDelay),
		metronome.WithPriority(r.priority),
		metronome.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	e := &entry{
		cfg:     r.cfg,
		sched:   sched,
		limiter: rate.NewLimiter(rate.Every(def.logEvery), def.logBurst),
	}
	e.remove = sched.OnFailure(func(f metronome.Failure) { s.logFailure(e, f) })

	sched.Start()
	s.log.Info("probe started",
		logx.String("probe", r.name),
		logx.Duration("interval", r.interval),
		logx.Duration("start_delay", r.startDelay),
		logx.String("priority", r.priority.String()),
	)
	return e, nil
}

func (s *Service) stopEntry(ctx context.Context, name string, e *entry) {
	e.remove()
	if err := e.sched.Stop(ctx); err != nil {
		s.log.Warn("probe stop timed out; draining in background",
			logx.String("probe", name), logx.Err(err))
		return
	}
	st := e.sched.Status()
	s.log.Info("probe stopped",
		logx.String("probe", name),
		logx.Uint64("runs", st.RunCount),
		logx.Uint64("failures", st.FailureCount),
		logx.Duration("lag", st.TotalLagTime),
	)
}

// logFailure reports probe faults, rate-limited per probe so a
// fail-every-run probe can't flood the log. Suppressed faults are
// counted and surfaced on the next allowed line.
func (s *Service) logFailure(e *entry, f metronome.Failure) {
	if !e.limiter.Allow() {
		atomic.AddUint64(&e.suppressed, 1)
		return
	}
	fields := []logx.Field{
		logx.String("probe", f.Scheduler),
		logx.Uint64("cycle", f.Cycle),
		logx.Err(f.Err),
	}
	if n := atomic.SwapUint64(&e.suppressed, 0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	if f.Stack != "" {
		s.log.Error("probe run panicked", append(fields, logx.Stack(f.Stack))...)
		return
	}
	s.log.Warn("probe run failed", fields...)
}

func resolveAll(cfg *config.Config) ([]resolved, defaults, error) {
	if cfg == nil {
		return nil, defaults{}, fmt.Errorf("config required")
	}

	def := defaults{
		schedule: time.Second,
		logEvery: 5 * time.Second,
		logBurst: 3,
	}
	if raw := strings.TrimSpace(cfg.Runner.DefaultSchedule); raw != "" {
		d, err := ParseSchedule(raw)
		if err != nil {
			return nil, defaults{}, fmt.Errorf("runner.default_schedule: %w", err)
		}
		def.schedule = d
	}
	logEvery, err := config.ParseDurationOrDefault("runner.failure_log_every", cfg.Runner.FailureLogEvery, def.logEvery)
	if err != nil {
		return nil, defaults{}, err
	}
	def.logEvery = logEvery
	if cfg.Runner.FailureLogBurst < 0 {
		return nil, defaults{}, fmt.Errorf("runner.failure_log_burst: must be >= 0")
	}
	if cfg.Runner.FailureLogBurst > 0 {
		def.logBurst = cfg.Runner.FailureLogBurst
	}

	out := make([]resolved, 0, len(cfg.Probes))
	names := make(map[string]bool, len(cfg.Probes))
	for i, pc := range cfg.Probes {
		at := fmt.Sprintf("probes[%d]", i)

		name := strings.TrimSpace(pc.Name)
		if name == "" {
			return nil, defaults{}, fmt.Errorf("%s: name required", at)
		}
		if names[name] {
			return nil, defaults{}, fmt.Errorf("%s: duplicate probe name %q", at, name)
		}
		names[name] = true

		if pc.Disabled {
			continue
		}

		interval := def.schedule
		if raw := strings.TrimSpace(pc.Schedule); raw != "" {
			interval, err = ParseSchedule(raw)
			if err != nil {
				return nil, defaults{}, fmt.Errorf("%s.schedule: %w", at, err)
			}
		}

		startDelay, err := config.ParseDurationField(at+".start_delay", pc.StartDelay)
		if err != nil {
			return nil, defaults{}, err
		}
		prio, err := metronome.ParsePriority(pc.Priority)
		if err != nil {
			return nil, defaults{}, fmt.Errorf("%s.priority: %w", at, err)
		}
		work, err := config.ParseDurationField(at+".work", pc.Work)
		if err != nil {
			return nil, defaults{}, err
		}
		jitter, err := config.ParseDurationField(at+".jitter", pc.Jitter)
		if err != nil {
			return nil, defaults{}, err
		}
		if pc.FailEvery < 0 {
			return nil, defaults{}, fmt.Errorf("%s.fail_every: must be >= 0", at)
		}
		if pc.PanicEvery < 0 {
			return nil, defaults{}, fmt.Errorf("%s.panic_every: must be >= 0", at)
		}

		out = append(out, resolved{
			cfg:        pc,
			name:       name,
			interval:   interval,
			startDelay: startDelay,
			priority:   prio,
			workload: probe.Spec{
				Name:       name,
				Work:       work,
				Jitter:     jitter,
				FailEvery:  pc.FailEvery,
				PanicEvery: pc.PanicEvery,
			},
		})
	}
	return out, def, nil
}
