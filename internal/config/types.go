package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Ops controls the operational HTTP endpoint (health, status,
	// metrics, pprof).
	Ops OpsConfig `json:"ops,omitempty"`

	// Watchdog controls systemd watchdog integration. It is harmless to
	// enable outside systemd; the notifier becomes a no-op when
	// NOTIFY_SOCKET is unset.
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`

	// Runner holds defaults applied to probes that omit a field.
	Runner RunnerConfig `json:"runner,omitempty"`

	// Probes are the scheduled workloads. Names must be unique; they
	// become log fields and metric labels.
	Probes []ProbeConfig `json:"probes"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9180"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof exposes /debug/pprof/ on the ops listener.
	Pprof bool `json:"pprof,omitempty"`

	// MetricsNamespace prefixes exported series. Default: "metrond".
	MetricsNamespace string `json:"metrics_namespace,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /debug/pprof/profile (which can take 30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type WatchdogConfig struct {
	Enabled bool `json:"enabled"`

	// Interval overrides the ping cadence (Go duration string). When
	// empty, half of the WATCHDOG_USEC budget announced by systemd is
	// used.
	Interval string `json:"interval,omitempty"`
}

// RunnerConfig holds probe defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RunnerConfig struct {
	// DefaultSchedule applies to probes without a schedule. Default: "1s".
	DefaultSchedule string `json:"default_schedule,omitempty"`

	// FailureLogEvery rate-limits failure log lines per probe; failures
	// beyond the limit still count, they just don't each get a line.
	// Default: "5s".
	FailureLogEvery string `json:"failure_log_every,omitempty"`

	// FailureLogBurst is the token bucket size for failure logging.
	// Default: 3.
	FailureLogBurst int `json:"failure_log_burst,omitempty"`
}

// ProbeConfig describes one scheduled workload.
//
// Schedule accepts a Go duration ("250ms"), "@every 90s", or HH:MM
// ("02:30" meaning every 2h30m). Calendar cron expressions are rejected:
// runs are spaced at a fixed rate, not aligned to wall-clock times.
type ProbeConfig struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule,omitempty"`
	StartDelay string `json:"start_delay,omitempty"`
	Priority   string `json:"priority,omitempty"` // low|normal|high|realtime
	Disabled   bool   `json:"disabled,omitempty"`

	// Synthetic workload shape.
	Work       string `json:"work,omitempty"`        // busy time per run
	Jitter     string `json:"jitter,omitempty"`      // random extra busy time, 0..jitter
	FailEvery  int    `json:"fail_every,omitempty"`  // every Nth run returns an error
	PanicEvery int    `json:"panic_every,omitempty"` // every Nth run panics
}
