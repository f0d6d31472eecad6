package metronome

import (
	"fmt"
	"strings"
)

// Priority is an advisory hint for how eagerly the timing loop should be
// scheduled. Go offers no portable thread-priority control, so High and
// Realtime pin the loop goroutine to its OS thread for the lifetime of the
// loop, which keeps it off the shared thread pool; Low and Normal add
// nothing. Exact firing times are never guaranteed at any priority.
type Priority int

const (
	// PriorityNormal is the default.
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
	PriorityRealtime
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityRealtime:
		return true
	default:
		return false
	}
}

// elevated reports whether the loop goroutine should be pinned to its
// OS thread.
func (p Priority) elevated() bool {
	return p == PriorityHigh || p == PriorityRealtime
}

// ParsePriority maps a config string to a Priority. Empty input means
// PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "realtime":
		return PriorityRealtime, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q (use low, normal, high or realtime)", s)
	}
}
