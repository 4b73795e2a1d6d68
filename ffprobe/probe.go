// Package ffprobe extracts metadata and packet streams from media files
// using the ffprobe command-line tool.
package ffprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultBinary is the ffprobe executable looked up on PATH.
const DefaultBinary = "ffprobe"

// Stream represents a media stream (audio, video, subtitle, etc.)
type Stream struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecType     string `json:"codec_type"`
	CodecLongName string `json:"codec_long_name"`
	TimeBase      string `json:"time_base"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	Duration      string `json:"duration,omitempty"`

	Disposition map[string]int `json:"disposition,omitempty"`
}

// AttachedPic reports whether the stream is cover art rather than video.
func (s Stream) AttachedPic() bool {
	return s.Disposition["attached_pic"] == 1
}

// Decodable reports whether the stream has a decoder worth chunking for.
func (s Stream) Decodable() bool {
	if s.CodecName == "" {
		return false
	}
	switch s.CodecType {
	case "video", "audio", "subtitle":
		return true
	default:
		return false
	}
}

// Format represents the container format information.
type Format struct {
	Filename       string `json:"filename"`
	FormatName     string `json:"format_name"`
	FormatLongName string `json:"format_long_name"`
	Duration       string `json:"duration"`
	Size           string `json:"size"`
	BitRate        string `json:"bit_rate"`
}

// ProbeResult holds the stream and format metadata of a media file.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// GetDuration returns the duration of the media file in seconds.
//
// Returns an error if the duration cannot be parsed.
func (pr *ProbeResult) GetDuration() (float64, error) {
	if pr.Format.Duration == "" {
		return 0, fmt.Errorf("duration not available in format metadata")
	}

	duration, err := strconv.ParseFloat(pr.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration '%s': %w", pr.Format.Duration, err)
	}

	return duration, nil
}

// GetSize returns the container size in bytes, or 0 when unknown.
func (pr *ProbeResult) GetSize() int64 {
	n, err := strconv.ParseInt(pr.Format.Size, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// GetVideoStreams returns all video streams from the media file.
func (pr *ProbeResult) GetVideoStreams() []Stream {
	return pr.streamsOfType("video")
}

// GetAudioStreams returns all audio streams from the media file.
func (pr *ProbeResult) GetAudioStreams() []Stream {
	return pr.streamsOfType("audio")
}

func (pr *ProbeResult) streamsOfType(kind string) []Stream {
	var out []Stream
	for _, stream := range pr.Streams {
		if stream.CodecType == kind {
			out = append(out, stream)
		}
	}
	return out
}

// Prober runs ffprobe. The zero value uses DefaultBinary.
type Prober struct {
	Binary string
}

func (p Prober) binary() string {
	if p.Binary == "" {
		return DefaultBinary
	}
	return p.Binary
}

// Probe analyzes a media file and extracts its metadata using ffprobe.
//
// The source may be a local path or any URL ffprobe can read.
//
// Example:
//
//	result, err := ffprobe.Prober{}.Probe(ctx, "/path/to/video.mkv")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Streams: %d\n", len(result.Streams))
func (p Prober) Probe(ctx context.Context, source string) (*ProbeResult, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("source path cannot be empty")
	}

	// -v error: only report real failures on stderr
	// -show_streams / -show_format: stream and container metadata
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		source,
	}

	cmd := exec.CommandContext(ctx, p.binary(), args...)
	output, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return nil, fmt.Errorf("ffprobe failed: %w (output: %s)", err, stderr)
	}

	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe JSON output: %w", err)
	}
	return &result, nil
}
