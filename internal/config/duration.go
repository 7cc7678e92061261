package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional Go duration found at path (for
// example "jobs.cache-crls.timeout"). Empty means zero; negative values are
// rejected so a typo cannot turn a timeout or TTL off.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero,
// used for lock.ttl, admin timeouts and CRL/OCSP expiries.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
