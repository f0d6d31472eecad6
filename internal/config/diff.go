package config

import (
	"encoding/json"
	"sort"
	"strings"

	logx "github.com/jazzonaut/metronome/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the ops token),
// and (3) the names of probes whose definition changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		strings.TrimSpace(oldCfg.Ops.MetricsNamespace) != strings.TrimSpace(newCfg.Ops.MetricsNamespace) ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		oldCfg.Ops.MutexProfileFraction != newCfg.Ops.MutexProfileFraction ||
		oldCfg.Ops.BlockProfileRate != newCfg.Ops.BlockProfileRate ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	// Watchdog
	if oldCfg.Watchdog.Enabled != newCfg.Watchdog.Enabled ||
		strings.TrimSpace(oldCfg.Watchdog.Interval) != strings.TrimSpace(newCfg.Watchdog.Interval) {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.interval", strings.TrimSpace(newCfg.Watchdog.Interval)),
		)
	}

	// Runner defaults
	if strings.TrimSpace(oldCfg.Runner.DefaultSchedule) != strings.TrimSpace(newCfg.Runner.DefaultSchedule) ||
		strings.TrimSpace(oldCfg.Runner.FailureLogEvery) != strings.TrimSpace(newCfg.Runner.FailureLogEvery) ||
		oldCfg.Runner.FailureLogBurst != newCfg.Runner.FailureLogBurst {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.default_schedule", strings.TrimSpace(newCfg.Runner.DefaultSchedule)),
			logx.String("runner.failure_log_every", strings.TrimSpace(newCfg.Runner.FailureLogEvery)),
			logx.Int("runner.failure_log_burst", newCfg.Runner.FailureLogBurst),
		)
	}

	// Probes (summarize only; per-probe detail at debug)
	probeChanged := diffProbes(oldCfg.Probes, newCfg.Probes)
	if len(probeChanged) > 0 {
		changed = append(changed, "probes")
		attrs = append(attrs,
			logx.Int("probes.changed_count", len(probeChanged)),
			logx.Int("probes.active_count", countActive(newCfg.Probes)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, probeChanged
}

func countActive(probes []ProbeConfig) int {
	n := 0
	for _, p := range probes {
		if !p.Disabled {
			n++
		}
	}
	return n
}

// diffProbes returns the names of probes that were added, removed, or
// redefined, comparing definitions through a canonical JSON hash.
func diffProbes(oldP, newP []ProbeConfig) []string {
	oldM := probesByName(oldP)
	newM := probesByName(newP)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK {
			out = append(out, name)
			continue
		}
		if hashProbe(o) != hashProbe(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func probesByName(probes []ProbeConfig) map[string]ProbeConfig {
	m := make(map[string]ProbeConfig, len(probes))
	for _, p := range probes {
		m[strings.TrimSpace(p.Name)] = p
	}
	return m
}

func hashProbe(p ProbeConfig) uint64 {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return canonicalHashJSON(b)
}
