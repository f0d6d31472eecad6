// Package app wires metrond together: configuration, logging, the
// probe runner, the ops HTTP endpoint, and systemd integration.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jazzonaut/metronome/internal/config"
	"github.com/jazzonaut/metronome/internal/observability/opshttp"
	"github.com/jazzonaut/metronome/internal/runner"
	rtgroup "github.com/jazzonaut/metronome/internal/runtime/group"
	"github.com/jazzonaut/metronome/internal/watchdog"
	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// Version is stamped at build time via -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

type App struct {
	cfgPath string

	cfgm *config.Manager
	grp  *rtgroup.Group

	log  logx.Logger
	logs *logx.Service

	runner *runner.Service
	ops    *opshttp.Service
	wd     *watchdog.Service

	startedAt time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		startedAt: time.Now(),
	}

	a.runner = runner.New(logs.Logger())

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = opshttp.New(opsCfg, opshttp.Sources{
		Probes: a.runner.Snapshot,
		Runtime: func() rtgroup.Snapshot {
			if g := a.grp; g != nil {
				return g.Snapshot()
			}
			return rtgroup.Snapshot{}
		},
		StartedAt: a.startedAt,
		Version:   Version,
	}, logs.Logger().With(logx.String("comp", "ops")))

	wdCfg, err := mapWatchdogConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.wd = watchdog.New(wdCfg, logs.Logger())

	return a, nil
}

// Done is closed when the app group context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.grp == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.grp.Context().Done()
}

// Err returns the first fatal error observed by the app group, if any.
func (a *App) Err() error {
	if a.grp == nil {
		return nil
	}
	return a.grp.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.grp = rtgroup.New(ctx,
		rtgroup.WithLogger(a.log),
		rtgroup.WithCancelOnError(true),
	)
	appCtx := a.grp.Context()

	// Transactional hot reload: bad edits are rejected before commit.
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	cfg := a.cfgm.Get()
	if err := a.runner.Apply(appCtx, cfg); err != nil {
		return fmt.Errorf("apply probes: %w", err)
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops.Reconfigure(appCtx, opsCfg)

	if _, err := a.wd.Start(); err != nil {
		a.log.Warn("systemd watchdog unavailable", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.grp.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				last = a.applyReload(c, last, next)
			}
		}
	})

	a.grp.Go("config.watch", a.cfgm.Watch)

	a.log.Info("metrond started",
		logx.String("version", Version),
		logx.String("config", a.cfgm.Path()),
		logx.Int("probes", a.runner.Active()),
	)
	return nil
}

func (a *App) validateConfig(ctx context.Context, cfg *config.Config) error {
	if err := a.runner.Validate(ctx, cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatchdogConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, next *config.Config) *config.Config {
	if next == nil {
		return prev
	}

	sections, attrs, probeChanges := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return next
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(probeChanges) > 0 {
		a.log.Debug("probe changes detected", logx.Any("probes", probeChanges))
	}

	// Logging first so the rest of the reload logs at the new level.
	a.logs.Apply(mapLoggingConfig(next))

	if err := a.runner.Apply(ctx, next); err != nil {
		// Validator gates commits, so this is unexpected.
		a.log.Warn("invalid probe config; keeping previous", logx.Err(err))
	}

	if opsCfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, opsCfg)
	}

	for _, s := range sections {
		if s == "watchdog" {
			a.log.Warn("watchdog config changed; restart required for changes to take effect")
			break
		}
	}

	a.log.Info("config reloaded", fields...)
	return next
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.grp == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Tell systemd we are on our way out before the slow teardown.
	a.step(ctx, "watchdog", time.Second, func(c context.Context) error {
		a.wd.Stop(c)
		return nil
	})

	a.grp.Cancel()

	a.step(ctx, "probes", 5*time.Second, func(c context.Context) error {
		return a.runner.Stop(c)
	})
	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error {
		a.ops.Stop(c)
		return nil
	})
	a.step(ctx, "group", 2*time.Second, func(c context.Context) error {
		return a.grp.Wait(c)
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step bounds one shutdown stage so a stuck component cannot stall the
// whole stop. Late finishers are logged when they eventually return.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("stop step %s panicked: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached; continuing",
			logx.String("step", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished late", logx.String("step", name), logx.Err(err))
				return
			}
			a.log.Info("stop step finished late", logx.String("step", name), logx.Duration("took", time.Since(start)))
		}()
	}
}
