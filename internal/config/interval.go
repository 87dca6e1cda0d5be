package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

var (
	reHHMM    = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reSeconds = regexp.MustCompile(`^\d+$`)
)

// ParseInterval parses a poll interval. Supported forms:
//   - integer seconds: "60"
//   - Go duration: "90s", "2m30s"
//   - HH:MM: "00:05" (5 minutes), "01:30"
//   - cron constant delay: "@every 1m"
//
// An empty value returns 0 (use the default). The result must be > 0.
func ParseInterval(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	var (
		d   time.Duration
		err error
	)
	switch {
	case reSeconds.MatchString(s):
		var n int64
		n, err = strconv.ParseInt(s, 10, 64)
		if err == nil && n > maxIntervalSeconds {
			return 0, fmt.Errorf("%s: interval %q is too large (max %d seconds)", path, raw, int64(maxIntervalSeconds))
		}
		d = time.Duration(n) * time.Second
	case strings.HasPrefix(s, "@"):
		d, err = parseCronDelay(s)
	case reHHMM.MatchString(s):
		d, err = parseHHMM(s)
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid interval %q (use seconds, '90s', 'HH:MM' or '@every 1m'): %w", path, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: interval must be > 0", path)
	}
	return d, nil
}

// parseCronDelay accepts only fixed-delay descriptors; calendar schedules
// ("@hourly", "*/5 * * * *") have no single interval.
func parseCronDelay(s string) (time.Duration, error) {
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return 0, err
	}
	cd, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("only '@every <duration>' is supported")
	}
	return cd.Delay, nil
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
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// ParseDurationField parses a Go duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
