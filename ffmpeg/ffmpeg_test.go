package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"distcoder/internal/mpegts"
	"distcoder/models"
)

func TestArgsBuilder_BuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		builder  *ArgsBuilder
		contains []string
		excludes []string
	}{
		{
			name:    "Defaults",
			builder: NewArgsBuilder(),
			contains: []string{
				"-copyts -f mpegts -i pipe:0 -map 0", "-c:v libx264", "-preset medium", "-c:a aac",
				"-mpegts_copyts 1 -f mpegts pipe:1",
			},
			excludes: []string{"-vf", "-crf", "-threads", "-progress"},
		},
		{
			name: "Params",
			builder: NewArgsBuilder().SetParams(models.TranscodeParams{
				ResolutionScale: 0.5, Quality: 23, VideoBitrate: "2M", AudioBitrate: "128k", Threads: 4,
			}),
			contains: []string{
				"-vf scale=trunc(iw*0.5/2)*2:trunc(ih*0.5/2)*2",
				"-crf 23", "-b:v 2M", "-b:a 128k", "-threads 4",
			},
		},
		{
			name: "Stream copy ignores encoder settings",
			builder: NewArgsBuilder().SetVideoCodec("copy").SetAudioCodec("copy").SetParams(models.TranscodeParams{
				ResolutionScale: 2, Quality: 20, VideoBitrate: "2M", AudioBitrate: "96k",
			}),
			contains: []string{"-c:v copy", "-c:a copy"},
			excludes: []string{"-vf", "-crf", "-b:v", "-b:a", "-preset"},
		},
		{
			name:     "Formats and progress",
			builder:  NewArgsBuilder().SetOutputFormat("matroska").EnableProgress(),
			contains: []string{"-nostats -progress pipe:2", "-f mpegts -i pipe:0", "-f matroska pipe:1"},
			excludes: []string{"-mpegts_copyts"},
		},
		{
			name:     "Stream IDs pin transport stream PIDs",
			builder:  NewArgsBuilder().SetStreamIDs([]int{1, 3}),
			contains: []string{"-streamid 0:257 -streamid 1:259 -mpegts_copyts 1"},
		},
		{
			name:     "Stream IDs ignored for other containers",
			builder:  NewArgsBuilder().SetOutputFormat("matroska").SetStreamIDs([]int{1}),
			excludes: []string{"-streamid"},
		},
		{
			name:     "Extra args before output",
			builder:  NewArgsBuilder().AddExtraArgs("-pix_fmt", "yuv420p"),
			contains: []string{"-pix_fmt yuv420p -mpegts_copyts 1 -f mpegts pipe:1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := strings.Join(tt.builder.BuildArgs(), " ")
			for _, want := range tt.contains {
				if !strings.Contains(cmd, want) {
					t.Errorf("Expected %q in %q", want, cmd)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(cmd, unwanted) {
					t.Errorf("Did not expect %q in %q", unwanted, cmd)
				}
			}
			if !strings.HasSuffix(cmd, "pipe:1") {
				t.Errorf("Expected output on stdout, got %q", cmd)
			}
		})
	}
}

func TestArgsBuilder_DryRun(t *testing.T) {
	got := NewArgsBuilder().DryRun("")
	if !strings.HasPrefix(got, "ffmpeg -hide_banner") {
		t.Errorf("Expected dry run to start with the binary, got %q", got)
	}
	if got := NewArgsBuilder().DryRun("/opt/ffmpeg"); !strings.HasPrefix(got, "/opt/ffmpeg ") {
		t.Errorf("Expected custom binary, got %q", got)
	}
}

// fakeBinary writes an executable shell script standing in for ffmpeg.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("Failed to write fake binary: %v", err)
	}
	return path
}

func TestExecutor_Run(t *testing.T) {
	bin := fakeBinary(t, `echo "frame=5" >&2
echo "out_time_us=500000" >&2
echo "progress=end" >&2
cat`)
	exec := NewExecutor(bin, zerolog.Nop())

	progress := models.NewTranscodeProgress(1, 1_000_000)
	calls := 0
	var out bytes.Buffer
	err := exec.Run(context.Background(), nil, strings.NewReader("payload"), &out, progress, func(*models.TranscodeProgress) {
		calls++
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != "payload" {
		t.Errorf("Expected stdout %q, got %q", "payload", out.String())
	}
	if calls != 1 {
		t.Errorf("Expected 1 progress callback, got %d", calls)
	}
	if progress.Frame != 5 || progress.State != models.ProgressStateCompleted {
		t.Errorf("Unexpected progress: %+v", progress)
	}
}

func TestExecutor_RunFailure(t *testing.T) {
	bin := fakeBinary(t, `echo "frame=1" >&2
echo "pipe:0: Invalid data found when processing input" >&2
exit 1`)
	exec := NewExecutor(bin, zerolog.Nop())

	progress := models.NewTranscodeProgress(0, 0)
	err := exec.Run(context.Background(), nil, nil, &bytes.Buffer{}, progress, nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *ExecError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("Expected stderr tail in error, got %q", err.Error())
	}
	if strings.Contains(execErr.Stderr, "frame=1") {
		t.Errorf("Progress lines should not be kept as stderr, got %q", execErr.Stderr)
	}
	if progress.State != models.ProgressStateFailed {
		t.Errorf("Expected failed state, got %s", progress.State)
	}
}

func TestExecutor_MissingBinary(t *testing.T) {
	exec := NewExecutor(filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	if err := exec.Run(context.Background(), nil, nil, &bytes.Buffer{}, nil, nil); err == nil {
		t.Error("Expected error for missing binary, got nil")
	}
}

func TestExecutor_Remux(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	bin := fakeBinary(t, `echo "$@" > `+argsFile)

	exec := NewExecutor(bin, zerolog.Nop())
	if err := exec.Remux(context.Background(), "in.nut", "out.mkv"); err != nil {
		t.Fatalf("Remux failed: %v", err)
	}
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("Failed to read recorded args: %v", err)
	}
	if got := strings.TrimSpace(string(data)); !strings.HasSuffix(got, "-i in.nut -map 0 -c copy -y out.mkv") {
		t.Errorf("Unexpected remux args: %q", got)
	}
}

func TestTranscoder_Session(t *testing.T) {
	bin := fakeBinary(t, `echo "progress=end" >&2
cat`)
	tr := NewTranscoder(TranscoderConfig{Binary: bin}, zerolog.Nop())

	sess, err := tr.NewSession(context.Background(), models.TranscodeParams{Quality: 20})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	chunk, err := models.NewChunk(4, []models.Packet{
		{StreamID: 0, SplitPoint: true, Timestamp: 0, Duration: 40_000, CompositionOffset: 40_000, Data: []byte("abc")},
		{StreamID: 1, SplitPoint: true, Timestamp: 10_000, Duration: 21_333, Data: []byte("xyz")},
		{StreamID: 0, Timestamp: 40_000, Duration: 40_000, Data: []byte("def")},
	})
	if err != nil {
		t.Fatalf("NewChunk failed: %v", err)
	}
	chunk.Codecs = map[int]string{0: "h264", 1: "aac"}

	// The fake ffmpeg echoes its stdin: what the transcoder fed it.
	out, err := sess.Transcode(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Transcode failed: %v", err)
	}
	if len(out) == 0 || len(out)%mpegts.PacketSize != 0 {
		t.Fatalf("Expected whole transport stream packets, got %d bytes", len(out))
	}
	for off := 0; off < len(out); off += mpegts.PacketSize {
		if out[off] != 0x47 {
			t.Fatalf("Expected sync byte at %d, got 0x%02X", off, out[off])
		}
	}
	// PAT, PMT, then one packet per access unit.
	if n := len(out) / mpegts.PacketSize; n != 5 {
		t.Errorf("Expected 5 packets, got %d", n)
	}
	for _, payload := range []string{"abc", "xyz", "def"} {
		if !bytes.Contains(out, []byte(payload)) {
			t.Errorf("Expected payload %q in the transport stream", payload)
		}
	}
	if d := chunkDuration(chunk); d != 80_000 {
		t.Errorf("Expected chunk duration 80000, got %d", d)
	}
}

func TestMuxChunk_Errors(t *testing.T) {
	chunk, err := models.NewChunk(0, []models.Packet{
		{StreamID: 0, SplitPoint: true, Duration: 40_000, Data: []byte("abc")},
		{StreamID: 1, SplitPoint: true, Duration: 40_000, Data: []byte("xyz")},
	})
	if err != nil {
		t.Fatalf("NewChunk failed: %v", err)
	}

	chunk.Codecs = map[int]string{0: "h264"}
	if err := muxChunk(&bytes.Buffer{}, chunk); err == nil || !strings.Contains(err.Error(), "no codec recorded for stream 1") {
		t.Errorf("Expected missing codec error, got %v", err)
	}

	chunk.Codecs = map[int]string{0: "h264", 1: "opus"}
	if err := muxChunk(&bytes.Buffer{}, chunk); !errors.Is(err, mpegts.ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestTranscoder_InvalidParams(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{}, zerolog.Nop())
	if _, err := tr.NewSession(context.Background(), models.TranscodeParams{Quality: 99}); err == nil {
		t.Error("Expected error for invalid params, got nil")
	}
	if got := strings.Join(tr.Builder(models.TranscodeParams{}).BuildArgs(), " "); !strings.Contains(got, "-progress pipe:2") {
		t.Errorf("Expected progress reporting in transcoder args, got %q", got)
	}
}
