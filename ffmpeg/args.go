// Package ffmpeg drives the ffmpeg binary as the codec engine of the
// pipeline: per-chunk transcodes over stdin/stdout, container remuxing for
// merged output, and -progress parsing for logging.
package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"distcoder/internal/mpegts"
	"distcoder/models"
)

// DefaultBinary is the ffmpeg executable looked up on PATH.
const DefaultBinary = "ffmpeg"

// InputFormat is the container chunks are fed to ffmpeg in.
const InputFormat = "mpegts"

// ArgsBuilder builds the arguments of a chunk transcode that reads the
// chunk from stdin as a transport stream and writes the result to stdout.
type ArgsBuilder struct {
	outputFormat string

	videoCodec   string
	audioCodec   string
	preset       string
	scale        float64
	crf          int
	videoBitrate string
	audioBitrate string
	threads      int

	progress  bool
	streamIDs []int
	extraArgs []string
}

// NewArgsBuilder creates a builder with the codec defaults.
func NewArgsBuilder() *ArgsBuilder {
	return &ArgsBuilder{
		outputFormat: "mpegts",
		videoCodec:   "libx264",
		audioCodec:   "aac",
		preset:       "medium",
		scale:        1,
	}
}

// SetOutputFormat sets the container format written to stdout.
func (b *ArgsBuilder) SetOutputFormat(format string) *ArgsBuilder {
	b.outputFormat = format
	return b
}

// SetVideoCodec sets the video encoder (e.g. "libx264", "libx265", "copy").
func (b *ArgsBuilder) SetVideoCodec(codec string) *ArgsBuilder {
	b.videoCodec = codec
	return b
}

// SetAudioCodec sets the audio encoder (e.g. "aac", "libopus", "copy").
func (b *ArgsBuilder) SetAudioCodec(codec string) *ArgsBuilder {
	b.audioCodec = codec
	return b
}

// SetPreset sets the encoding preset (ultrafast ... veryslow).
func (b *ArgsBuilder) SetPreset(preset string) *ArgsBuilder {
	b.preset = preset
	return b
}

// SetParams applies the per-job transcode parameters.
func (b *ArgsBuilder) SetParams(p models.TranscodeParams) *ArgsBuilder {
	b.scale = p.ResolutionScale
	b.crf = p.Quality
	b.videoBitrate = p.VideoBitrate
	b.audioBitrate = p.AudioBitrate
	b.threads = p.Threads
	return b
}

// SetStreamIDs names the source stream of each output stream, in output
// order. A transport stream output carries each on the PID the chunk
// muxer gave it, so chunk outputs agree on PIDs when concatenated.
func (b *ArgsBuilder) SetStreamIDs(ids []int) *ArgsBuilder {
	b.streamIDs = ids
	return b
}

// EnableProgress makes ffmpeg report -progress key/value pairs on stderr.
func (b *ArgsBuilder) EnableProgress() *ArgsBuilder {
	b.progress = true
	return b
}

// AddExtraArgs appends custom output arguments.
func (b *ArgsBuilder) AddExtraArgs(args ...string) *ArgsBuilder {
	b.extraArgs = append(b.extraArgs, args...)
	return b
}

// BuildArgs constructs the ffmpeg arguments.
func (b *ArgsBuilder) BuildArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if b.progress {
		args = append(args, "-nostats", "-progress", "pipe:2")
	}

	// -copyts: chunk outputs keep the source timeline so they concatenate
	args = append(args, "-copyts", "-f", InputFormat, "-i", "pipe:0", "-map", "0")

	copyVideo := b.videoCodec == "copy"
	if filter := b.scaleFilter(); filter != "" && !copyVideo {
		args = append(args, "-vf", filter)
	}

	args = append(args, "-c:v", b.videoCodec)
	if !copyVideo {
		if b.preset != "" {
			args = append(args, "-preset", b.preset)
		}
		if b.crf > 0 {
			args = append(args, "-crf", strconv.Itoa(b.crf))
		}
		if b.videoBitrate != "" {
			args = append(args, "-b:v", b.videoBitrate)
		}
	}

	args = append(args, "-c:a", b.audioCodec)
	if b.audioBitrate != "" && b.audioCodec != "copy" {
		args = append(args, "-b:a", b.audioBitrate)
	}

	if b.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(b.threads))
	}

	args = append(args, b.extraArgs...)
	if b.outputFormat == "mpegts" {
		for i, id := range b.streamIDs {
			args = append(args, "-streamid", fmt.Sprintf("%d:%d", i, mpegts.PID(id)))
		}
		args = append(args, "-mpegts_copyts", "1")
	}
	return append(args, "-f", b.outputFormat, "pipe:1")
}

// scaleFilter keeps dimensions even, which most encoders require.
func (b *ArgsBuilder) scaleFilter() string {
	if b.scale <= 0 || b.scale == 1 {
		return ""
	}
	s := strconv.FormatFloat(b.scale, 'f', -1, 64)
	return fmt.Sprintf("scale=trunc(iw*%s/2)*2:trunc(ih*%s/2)*2", s, s)
}

// DryRun returns the command line without executing it.
func (b *ArgsBuilder) DryRun(binary string) string {
	if binary == "" {
		binary = DefaultBinary
	}
	return binary + " " + strings.Join(b.BuildArgs(), " ")
}
