package hive

import (
	"strconv"
	"strings"
)

// Accessors tried in order, first non-empty list wins.
var cpuTemperaturePaths = [][]string{
	{"hardware_stats", "cputemp"},
	{"stats", "cputemp"},
}

// ExtractHashrate returns first strictly positive value under any "hash" key
// (case-insensitive, any depth) in document order, 0 if none.
// Scalar value is a candidate, for array value each scalar element is.
func ExtractHashrate(d *WorkerDetail) float64 {
	var found float64
	d.raw().Walk(func(key string, item *Value) bool {
		if !strings.EqualFold(key, "hash") {
			return true
		}
		candidates := []*Value{item}
		if item.Kind == KindArray {
			candidates = item.Items
		}
		for _, c := range candidates {
			if f, ok := c.Float(); ok && f > 0 {
				found = f
				return false
			}
		}
		return true
	})
	return found
}

// ExtractCPUTemperature takes element 0 of first non-empty temperature list.
func ExtractCPUTemperature(d *WorkerDetail) (float64, bool) {
	for _, path := range cpuTemperaturePaths {
		list := d.raw().Path(path...)
		if list.Len() == 0 || list.Kind != KindArray {
			continue
		}
		if f, ok := list.Index(0).Float(); ok {
			return f, true
		}
	}
	return 0, false
}

// FormatUptime renders non-zero components as "1d 2h 3m".
// Zero is "Unknown", under a minute is "0m".
func FormatUptime(seconds int64) string {
	if seconds <= 0 {
		return "Unknown"
	}
	days := seconds / 86400
	hours := seconds % 86400 / 3600
	minutes := seconds % 3600 / 60

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, strconv.FormatInt(days, 10)+"d")
	}
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.FormatInt(minutes, 10)+"m")
	}
	if len(parts) == 0 {
		return "0m"
	}
	return strings.Join(parts, " ")
}
