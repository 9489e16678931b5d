package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config durations use Go syntax with one extension: a leading whole-day
// count, as in "7d" or "1d12h". Horizons and retention windows read better
// in days.

// Span bounds a duration setting. A zero bound is open.
type Span struct {
	Min, Max time.Duration
}

func (s Span) check(path string, d time.Duration) error {
	if s.Min > 0 && d < s.Min {
		return fmt.Errorf("%s: %s is below the minimum %s", path, d, s.Min)
	}
	if s.Max > 0 && d > s.Max {
		return fmt.Errorf("%s: %s exceeds the maximum %s", path, d, s.Max)
	}
	return nil
}

// ParseDurationField parses a non-negative duration; blank means 0.
// path names the field in errors, e.g. "scheduling.horizon".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDays(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return ParseDurationWithin(path, raw, def, Span{})
}

// ParseDurationWithin is ParseDurationOrDefault with the result held to span.
// The default is not checked.
func ParseDurationWithin(path, raw string, def time.Duration, span Span) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	if err := span.check(path, d); err != nil {
		return 0, err
	}
	return d, nil
}

func parseDays(s string) (time.Duration, error) {
	i := strings.IndexByte(s, 'd')
	if i < 0 {
		return time.ParseDuration(s)
	}
	days, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, fmt.Errorf("day count %q", s[:i])
	}
	var rest time.Duration
	if tail := s[i+1:]; tail != "" {
		if tail[0] == '-' || tail[0] == '+' {
			return 0, fmt.Errorf("sign after day count")
		}
		if rest, err = time.ParseDuration(tail); err != nil {
			return 0, err
		}
	}
	return time.Duration(days)*24*time.Hour + rest, nil
}
