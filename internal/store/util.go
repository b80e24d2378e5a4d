package store

import (
	"fmt"
	"time"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func formatNullableTimestamp(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return formatTimestamp(*ts)
}

func parseNullableTimestamp(v *string) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	ts, err := parseTimestamp(*v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
