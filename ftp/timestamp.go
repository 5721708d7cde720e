package ftp

import (
	"fmt"
	"strings"
	"time"
)

const timestampLayout = "20060102150405"

// parseTimestamp parses an RFC 3659 time-val as used by MDTM and MLSD:
// YYYYMMDDHHMMSS with an optional ".sss" fraction. Some servers send the
// milliseconds without the dot, giving 17 digits. Time values are always
// UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	// "213 20231220143000 file.txt" from some servers
	if fields := strings.Fields(s); len(fields) > 1 {
		s = fields[0]
	}

	var frac string
	switch {
	case len(s) > 15 && s[14] == '.':
		s, frac = s[:14], s[15:]
	case len(s) == 17:
		s, frac = s[:14], s[14:]
	case len(s) != 14:
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}

	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if frac != "" {
		for len(frac) < 9 {
			frac += "0"
		}
		ns, err := time.ParseDuration(frac[:9] + "ns")
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp fraction %q", frac)
		}
		t = t.Add(ns)
	}
	return t.UTC(), nil
}

// formatTimestamp renders t as a 14 digit UTC time-val.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// inLocation reinterprets a wall clock parsed in a UTC placeholder as a
// time in loc.
func inLocation(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
