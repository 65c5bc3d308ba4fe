// Package timing holds the duration helpers shared by the metrics log lines.
package timing

import "time"

// Millis converts d to fractional milliseconds. Negative durations read as 0.
func Millis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
