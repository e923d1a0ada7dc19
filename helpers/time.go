package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

// ISO8601 is UTC with second precision, e.g. 2024-03-01T12:00:00Z
const ISO8601 = "2006-01-02T15:04:05Z"

func FormatUnixUTC(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(ISO8601)
}
