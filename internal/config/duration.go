package config

import (
	"fmt"
	"strings"
	"time"
)

// Intervals in the config file are Go duration strings ("90s", "4h").
// Windows users reason about in minutes (spread, rerun, burst) are integers
// and go through MinutesOrDefault.

// ParseDurationField parses raw at config key path. Blank is 0; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// MinutesOrDefault converts a whole-minute count. 0 means def.
func MinutesOrDefault(path string, n int, def time.Duration) (time.Duration, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%s: must be >= 0, got %d", path, n)
	case n == 0:
		return def, nil
	}
	return time.Duration(n) * time.Minute, nil
}
