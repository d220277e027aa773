// Package timespec parses the --since/--until flag values the CLI accepts.
package timespec

import (
	"fmt"
	"time"
)

// Parse turns a time specification into a Unix millisecond timestamp.
// Two formats are accepted:
//   - a Go duration ("1h", "30m", "1h30m"), read as that long ago
//   - an RFC3339 timestamp ("2026-03-14T13:00:00Z")
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification %q (use a duration like '1h30m' or RFC3339 like '2026-03-14T13:00:00Z')", spec)
}

// ParseFuture is Parse with durations read as that far ahead instead of ago,
// for flags naming a deadline rather than a lookback.
func ParseFuture(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification %q (use a duration like '5m' or RFC3339 like '2026-03-14T13:00:00Z')", spec)
}

// ParseRange parses --since and --until together. A zero return means no
// bound on that end. Both set requires since < until.
func ParseRange(since, until string) (sinceTS, untilTS int64, err error) {
	if since != "" {
		if sinceTS, err = Parse(since); err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if untilTS, err = Parse(until); err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if sinceTS > 0 && untilTS > 0 && sinceTS >= untilTS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceTS, untilTS, nil
}
