package config

import (
	"fmt"
	"strings"
	"time"
)

// Optional config fields are strings in YAML so that an empty value means
// "unset" rather than a zero that is hard to tell apart from a typo.

func optionalField[T any](path, raw, what string, parse func(string) (T, error)) (T, error) {
	var zero T
	s := strings.TrimSpace(raw)
	if s == "" {
		return zero, nil
	}
	v, err := parse(s)
	if err != nil {
		return zero, fmt.Errorf("%s: invalid %s %q: %w", path, what, raw, err)
	}
	return v, nil
}

// ParseDurationField parses an optional non-negative Go duration ("90s").
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := optionalField(path, raw, "duration", time.ParseDuration)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseTimeField parses an optional RFC3339 instant.
func ParseTimeField(path, raw string) (time.Time, error) {
	return optionalField(path, raw, "RFC3339 time", func(s string) (time.Time, error) {
		return time.Parse(time.RFC3339, s)
	})
}

// ParseTimeWindow parses a trigger's start_time/end_time pair under path.
// Either bound may be unset; when both are set end must not precede start.
func ParseTimeWindow(path, start, end string) (time.Time, time.Time, error) {
	from, err := ParseTimeField(path+".start_time", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := ParseTimeField(path+".end_time", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: end_time before start_time", path)
	}
	return from, to, nil
}
