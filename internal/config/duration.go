package config

import (
	"fmt"
	"strings"
	"time"
)

// MaxLookahead bounds lifecycle lookaheads. Anything longer belongs to the
// nightly reminder, not the alert window.
const MaxLookahead = 24 * time.Hour

// ParseDurationField parses a non-negative Go duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return ParseDurationBounded(path, raw, 0)
}

// ParseDurationBounded is ParseDurationField with an upper bound; max <= 0
// disables the bound.
func ParseDurationBounded(path, raw string, max time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case max > 0 && d > max:
		return 0, fmt.Errorf("%s: %s exceeds %s", path, d, max)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
