package backup

import (
	"strings"
	"time"
)

const (
	// TimestampLayout is the YYYYMMDD_HHMMSS part of archive names.
	TimestampLayout = "20060102_150405"
	// Extension is appended to every archive name.
	Extension = ".tar.gz"
)

// FormatName returns "<prefix>_<YYYYMMDD_HHMMSS>.tar.gz" for t.
func FormatName(prefix string, t time.Time) string {
	return prefix + "_" + t.Format(TimestampLayout) + Extension
}

// ParseName extracts the timestamp from a key produced by FormatName. It
// reports false for keys of any other shape, including other prefixes.
func ParseName(prefix, key string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(key, prefix+"_")
	if !ok {
		return time.Time{}, false
	}
	stamp, ok := strings.CutSuffix(rest, Extension)
	if !ok || len(stamp) != len(TimestampLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SelectLatest returns the lexicographically greatest key that matches the
// naming format for prefix. With a fixed-width timestamp that is also the
// chronologically latest. The second return is false when nothing matches.
func SelectLatest(prefix string, keys []string) (string, bool) {
	var latest string
	found := false
	for _, k := range keys {
		if _, ok := ParseName(prefix, k); !ok {
			continue
		}
		if !found || k > latest {
			latest = k
			found = true
		}
	}
	return latest, found
}
