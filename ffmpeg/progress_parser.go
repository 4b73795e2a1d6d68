package ffmpeg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"distcoder/internal/timeutil"
	"distcoder/models"
)

// ProgressParser parses the key=value blocks ffmpeg writes with -progress.
type ProgressParser struct {
	speedRegex *regexp.Regexp
}

// NewProgressParser creates a new parser for ffmpeg -progress output.
func NewProgressParser() *ProgressParser {
	return &ProgressParser{
		// "1.53x", " 1.5x" or "N/A"
		speedRegex: regexp.MustCompile(`^\s*([0-9.]+)x?\s*$`),
	}
}

// ParseLine applies one -progress line to progress and reports whether the
// line was a progress key. A block ends with progress=continue or
// progress=end.
func (pp *ProgressParser) ParseLine(line string, progress *models.TranscodeProgress) bool {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			progress.Frame = n
		}
	case "fps":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			progress.FPS = f
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			progress.TotalSize = n
		}
	case "out_time_us", "out_time_ms":
		// out_time_ms is microseconds too, kept by ffmpeg for compatibility
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			progress.SetOutTime(us)
		}
	case "out_time":
		if progress.OutTimeUs == 0 {
			if us, err := timeutil.ParseClock(value); err == nil {
				progress.SetOutTime(us)
			}
		}
	case "bitrate":
		if value != "N/A" {
			progress.Bitrate = value
		}
	case "speed":
		if m := pp.speedRegex.FindStringSubmatch(value); len(m) > 1 {
			if s, err := strconv.ParseFloat(m[1], 64); err == nil {
				progress.Speed = s
			}
		}
	case "progress":
		if value == "end" {
			progress.State = models.ProgressStateCompleted
			if progress.DurationUs > 0 {
				progress.Progress = 100
			}
		} else {
			progress.State = models.ProgressStateEncoding
		}
	case "dup_frames", "drop_frames":
	default:
		if !strings.HasPrefix(key, "stream_") {
			return false
		}
	}
	return true
}

// StreamProgress reads -progress output and invokes callback after every
// completed block.
func (pp *ProgressParser) StreamProgress(reader io.Reader, progress *models.TranscodeProgress, callback models.ProgressCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	blocks := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !pp.ParseLine(line, progress) {
			continue
		}
		if isBlockEnd(line) {
			blocks++
			if callback != nil {
				callback(progress)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading ffmpeg output: %w", err)
	}
	if blocks == 0 {
		return fmt.Errorf("no progress output captured from ffmpeg")
	}
	return nil
}

func isBlockEnd(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "progress=")
}

// FormatProgressJSON converts progress to JSON for logging.
func FormatProgressJSON(progress *models.TranscodeProgress) (string, error) {
	data, err := json.MarshalIndent(progress, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
