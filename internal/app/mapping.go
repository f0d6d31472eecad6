package app

import (
	"fmt"
	"regexp"
	"time"

	"github.com/jazzonaut/metronome/internal/config"
	"github.com/jazzonaut/metronome/internal/observability/opshttp"
	"github.com/jazzonaut/metronome/internal/watchdog"
	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// Prometheus metric namespaces allow a restricted charset; reject bad
// ones at config time instead of panicking at collector registration.
var reMetricNamespace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapOpsConfig(cfg *config.Config) (opshttp.Config, error) {
	oc := cfg.Ops

	readTO, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return opshttp.Config{}, err
	}
	// No write timeout by default: /debug/pprof/profile streams for the
	// full capture window (30s or more).
	writeTO, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 0)
	if err != nil {
		return opshttp.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return opshttp.Config{}, err
	}

	if oc.MutexProfileFraction < 0 {
		return opshttp.Config{}, fmt.Errorf("ops.mutex_profile_fraction must be >= 0")
	}
	if oc.BlockProfileRate < 0 {
		return opshttp.Config{}, fmt.Errorf("ops.block_profile_rate must be >= 0")
	}
	if ns := oc.MetricsNamespace; ns != "" && !reMetricNamespace.MatchString(ns) {
		return opshttp.Config{}, fmt.Errorf("ops.metrics_namespace: invalid namespace %q", ns)
	}

	return opshttp.Config{
		Enabled:              oc.Enabled,
		Addr:                 oc.Addr,
		Token:                oc.Token,
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		MetricsNamespace:     oc.MetricsNamespace,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	interval, err := config.ParseDurationOrDefault("watchdog.interval", cfg.Watchdog.Interval, 0)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{
		Enabled:  cfg.Watchdog.Enabled,
		Interval: interval,
	}, nil
}
