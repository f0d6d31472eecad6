// Package watchdog integrates metrond with systemd service
// supervision: READY/STOPPING notifications for Type=notify units and
// periodic WATCHDOG=1 keepalives when the unit sets WatchdogSec.
//
// Outside systemd (NOTIFY_SOCKET unset) everything degrades to a
// no-op, so the daemon runs unchanged in a shell or a container.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/jazzonaut/metronome"
	logx "github.com/jazzonaut/metronome/pkg/logx"
)

type Config struct {
	Enabled bool

	// Interval overrides the ping cadence. Zero means half the
	// WatchdogSec budget systemd announced.
	Interval time.Duration
}

// notifyFunc matches daemon.SdNotify; budgetFunc matches
// daemon.SdWatchdogEnabled. Swappable for tests.
type notifyFunc func(unsetEnv bool, state string) (bool, error)
type budgetFunc func(unsetEnv bool) (time.Duration, error)

type Service struct {
	cfg    Config
	log    logx.Logger
	notify notifyFunc
	budget budgetFunc
	sched  *metronome.Scheduler
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "watchdog")),
		notify: daemon.SdNotify,
		budget: daemon.SdWatchdogEnabled,
	}
}

// Start announces readiness and begins keepalive pings if systemd
// requested them. It reports whether pings are running.
func (s *Service) Start() (bool, error) {
	if !s.cfg.Enabled {
		s.log.Debug("systemd watchdog disabled by config")
		return false, nil
	}

	acked, err := s.notify(false, daemon.SdNotifyReady)
	if err != nil {
		s.log.Warn("systemd READY notification failed", logx.Err(err))
	} else if !acked {
		s.log.Debug("NOTIFY_SOCKET not set; systemd integration inactive")
		return false, nil
	}

	budget, err := s.budget(false)
	if err != nil {
		return false, fmt.Errorf("read watchdog budget: %w", err)
	}
	if budget <= 0 {
		s.log.Info("systemd watchdog not requested (no WatchdogSec)")
		return false, nil
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = budget / 2
	}
	if interval >= budget {
		s.log.Warn("watchdog interval exceeds budget; using half the budget",
			logx.Duration("interval", interval),
			logx.Duration("budget", budget),
		)
		interval = budget / 2
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	sched, err := metronome.New(metronome.TaskFunc(s.ping),
		metronome.WithName("watchdog"),
		metronome.WithInterval(interval),
		metronome.WithLogger(s.log),
	)
	if err != nil {
		return false, fmt.Errorf("watchdog scheduler: %w", err)
	}
	sched.OnFailure(func(f metronome.Failure) {
		s.log.Warn("watchdog ping failed", logx.Err(f.Err))
	})

	s.sched = sched
	sched.Start()
	s.log.Info("systemd watchdog pings started",
		logx.Duration("interval", interval),
		logx.Duration("budget", budget),
	)
	return true, nil
}

// Stop sends STOPPING=1 and halts pings. Safe when Start never ran.
func (s *Service) Stop(ctx context.Context) {
	if s.cfg.Enabled {
		if _, err := s.notify(false, daemon.SdNotifyStopping); err != nil {
			s.log.Warn("systemd STOPPING notification failed", logx.Err(err))
		}
	}
	if s.sched == nil {
		return
	}
	if err := s.sched.Stop(ctx); err != nil {
		s.log.Warn("watchdog scheduler stop", logx.Err(err))
	}
	s.sched = nil
}

func (s *Service) ping(context.Context) error {
	acked, err := s.notify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		return fmt.Errorf("send WATCHDOG=1: %w", err)
	}
	if !acked {
		return errors.New("WATCHDOG=1 not delivered")
	}
	return nil
}
