package utils

import (
	"fmt"
	"time"
)

// ConvertBytesToHumanReadable formats a byte count with binary units.
func ConvertBytesToHumanReadable(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a bytes-per-second rate.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return ConvertBytesToHumanReadable(int64(bytesPerSec)) + "/s"
}

// ShortHash trims an info hash or job id for narrow columns.
func ShortHash(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// FormatElapsed renders the time since start, or "-" for a zero start.
func FormatElapsed(start, now time.Time) string {
	if start.IsZero() {
		return "-"
	}
	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
