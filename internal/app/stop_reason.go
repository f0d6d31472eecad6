package app

// StopReason records why the daemon is shutting down; it only feeds
// the shutdown log line.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal-error"
	StopAppStop    StopReason = "app-stop"
)
