package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval parses a job interval.
//
// Supported forms:
//   - whole seconds: "86100"
//   - Go duration: "23h55m", "55m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// "every:", "interval:" and "@every " prefixes are accepted. Cron expressions
// are not: jobs run on fixed intervals.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	for _, p := range []string{"every:", "interval:", "@every "} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d := time.Duration(n) * time.Second
		if n <= 0 {
			return 0, &InvalidIntervalError{Interval: d}
		}
		return d, nil
	}
	if reHHMM.MatchString(s) {
		return parseHHMMDuration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use seconds like '86100', HH:MM like '02:30', or duration like '23h55m')", raw)
	}
	if d <= 0 {
		return 0, &InvalidIntervalError{Interval: d}
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
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
		return 0, &InvalidIntervalError{Interval: d}
	}
	return d, nil
}

// ExpiryInterval returns the interval for a job refreshing something that
// expires after expires: the job runs safetyMargin before expiry.
func ExpiryInterval(expires, safetyMargin time.Duration) (time.Duration, error) {
	if safetyMargin < 0 {
		return 0, fmt.Errorf("safety margin must be >= 0, got %s", safetyMargin)
	}
	d := expires - safetyMargin
	if d <= 0 {
		return 0, &InvalidIntervalError{Interval: d}
	}
	return d, nil
}
