// Package timeutil converts between clock strings and the microsecond
// timestamps used throughout the pipeline.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatSeconds converts seconds to HH:MM:SS.MS format.
//
// This is the clock format ffmpeg prints for out_time and the format used
// in timing reports. Supports fractional seconds.
//
// Example:
//
//	FormatSeconds(0)      // "00:00:00.00"
//	FormatSeconds(90)     // "00:01:30.00"
//	FormatSeconds(3661)   // "01:01:01.00"
//	FormatSeconds(30.53)  // "00:00:30.53"
//	FormatSeconds(1.999)  // "00:00:01.99"
func FormatSeconds(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := seconds - float64(hours*3600) - float64(minutes*60)
	return fmt.Sprintf("%02d:%02d:%05.2f", hours, minutes, secs)
}

// FormatMicros formats a microsecond duration or timestamp as HH:MM:SS.MS.
func FormatMicros(us int64) string {
	if us < 0 {
		return "-" + FormatSeconds(float64(-us)/1e6)
	}
	return FormatSeconds(float64(us) / 1e6)
}

// ParseClock parses an HH:MM:SS[.fraction] clock into microseconds.
//
// Example:
//
//	ParseClock("00:01:30.5")       // 90500000
//	ParseClock("00:00:01.000000")  // 1000000
func ParseClock(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid hours in clock %q", s)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes in clock %q", s)
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || secs < 0 || secs >= 60 {
		return 0, fmt.Errorf("invalid seconds in clock %q", s)
	}
	return (hours*3600+minutes*60)*1_000_000 + int64(secs*1e6+0.5), nil
}
