package utils

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ConvertBytesToHumanReadable converts a byte count into IEC units (KiB, MiB, ...).
func ConvertBytesToHumanReadable(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed renders a bytes/sec rate.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// FormatETA renders a remaining duration rounded to the second.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// ParseSize parses sizes such as "512K", "4MB" or "1.5 GiB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
