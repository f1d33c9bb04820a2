// Package timestamp provides standardized sample-timestamp handling.
//
// This package uses float64 seconds since the Unix epoch as the canonical
// timestamp format: it is what travels with every sample on the wire, what
// the recorder writes to data files, and what the bridge forwards
// downstream. Keeping the conversions in one place eliminates precision
// drift between packages.
//
// Zero Value Semantics:
//   - A timestamp value of 0 means "not set" or "never observed"
//   - Functions handle zero values gracefully, returning appropriate defaults
//
// Usage Examples:
//
//	// Current time
//	now := timestamp.Now()
//
//	// Convert from time.Time
//	ts := timestamp.FromTime(time.Now())
//
//	// Convert to time.Time
//	t := timestamp.ToTime(ts)
//
//	// Format for data files (microsecond precision)
//	row := timestamp.Format(ts)
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as seconds since the Unix epoch.
func Now() float64 {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to epoch seconds.
func FromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// ToTime converts epoch seconds to time.Time.
// Returns zero time if the timestamp is 0.
func ToTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*1e9))
}

// Format renders epoch seconds with fixed microsecond precision, the format
// used in recorded data files and forwarded records.
func Format(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}

// Since returns how much time has passed since the timestamp. A zero
// timestamp reports an arbitrarily large elapsed time so staleness checks
// treat never-observed streams as stale.
func Since(seconds float64, now time.Time) time.Duration {
	if seconds == 0 {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(ToTime(seconds))
}

// IsZero reports whether the timestamp is unset.
func IsZero(seconds float64) bool {
	return seconds == 0
}
