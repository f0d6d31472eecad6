package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule converts a schedule string into a fixed run interval.
//
// Supported forms:
//   - Go duration: "250ms", "55m", "2h30m"
//   - "@every <duration>": "@every 90s"
//   - HH:MM as a duration: "02:30" (every 2 hours 30 minutes)
//
// Optional "interval:" or "every:" prefixes force duration parsing.
// Calendar cron expressions ("*/5 * * * *", "@hourly") are rejected:
// runs are spaced at a fixed rate from loop start, never aligned to
// wall-clock times.
func ParseSchedule(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return 0, fmt.Errorf("cron schedules are not supported (runs are fixed-rate; use a duration like '5m' or '@every 5m')")
	}
	if strings.HasPrefix(low, "interval:") {
		return parseInterval(s[len("interval:"):])
	}
	if strings.HasPrefix(low, "every:") {
		return parseInterval(s[len("every:"):])
	}

	// "@every <dur>" is parsed directly: the cron parser rounds
	// sub-second delays up to one second.
	if strings.HasPrefix(low, "@every ") {
		return parseInterval(s[len("@every "):])
	}

	// Anything else that looks like cron gets classified through the cron
	// parser so the error can say whether the spec was valid-but-calendar
	// or just malformed.
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		if _, err := cron.ParseStandard(s); err != nil {
			return 0, fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		return 0, fmt.Errorf("calendar schedule %q is not supported (runs are fixed-rate; use a duration like '5m' or '@every 5m')", raw)
	}

	if reHHMM.MatchString(s) {
		return parseHHMM(s)
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}

	return 0, fmt.Errorf(
		"invalid schedule %q (use a duration like '55m', '@every 5m', or HH:MM like '02:30')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMM(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
