package ffprobe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"distcoder/demux"
)

const packetDump = `{
    "packets": [
        {
            "codec_type": "video",
            "stream_index": 0,
            "pts": 900,
            "dts": 0,
            "dts_time": "0.000000",
            "duration": 3600,
            "duration_time": "0.040000",
            "size": "18",
            "flags": "K__",
            "data": "\n00000000: 0000 0001 0910 0000 0001 6742 c01e d900  ..........gB....\n00000010: ff00                                     ..\n"
        },
        {
            "codec_type": "data",
            "stream_index": 2,
            "dts": 0,
            "flags": "K__",
            "data": "\n00000000: 0102                                     ..\n"
        },
        {
            "codec_type": "audio",
            "stream_index": 1,
            "pts": 1024,
            "dts": 1024,
            "duration": 1024,
            "flags": "K__",
            "data": "\n00000000: abcd ef                                  ...\n"
        },
        {
            "codec_type": "video",
            "stream_index": 0,
            "dts": 3600,
            "duration": 3600,
            "flags": "__",
            "data": "\n00000000: 0102 03                                  ...\n"
        }
    ]
}`

func testStreams() []Stream {
	return []Stream{
		{Index: 0, CodecName: "h264", CodecType: "video", TimeBase: "1/90000"},
		{Index: 1, CodecName: "aac", CodecType: "audio", TimeBase: "1/48000"},
		{Index: 2, CodecType: "data", TimeBase: "1/90000"},
	}
}

func TestPacketDecoder(t *testing.T) {
	dec, err := newPacketDecoder(strings.NewReader(packetDump), testStreams())
	if err != nil {
		t.Fatalf("newPacketDecoder failed: %v", err)
	}

	var got []demux.RawPacket
	for {
		p, err := dec.next(nil)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		got = append(got, p)
	}

	if len(got) != 3 {
		t.Fatalf("Expected 3 packets (data stream skipped), got %d", len(got))
	}

	first := got[0]
	if first.StreamIndex != 0 || !first.Key {
		t.Errorf("Unexpected first packet header: %+v", first)
	}
	if len(first.Data) != 18 {
		t.Errorf("Expected 18 payload bytes, got %d", len(first.Data))
	}
	if first.Duration != 40_000 {
		t.Errorf("Expected duration 40000us, got %d", first.Duration)
	}
	if first.CompositionOffset != 10_000 {
		t.Errorf("Expected composition offset 10000us, got %d", first.CompositionOffset)
	}

	audio := got[1]
	if audio.StreamIndex != 1 || audio.Timestamp != 21_333 {
		t.Errorf("Expected audio at 21333us, got stream %d ts %d", audio.StreamIndex, audio.Timestamp)
	}
	if string(audio.Data) != "\xab\xcd\xef" {
		t.Errorf("Unexpected audio payload %x", audio.Data)
	}
	if audio.CompositionOffset != 0 {
		t.Errorf("Expected no composition offset for audio, got %d", audio.CompositionOffset)
	}

	last := got[2]
	if last.Key {
		t.Error("Second video packet is not a keyframe")
	}
	if last.Timestamp != 40_000 {
		t.Errorf("Expected timestamp 40000us, got %d", last.Timestamp)
	}
}

func TestPacketDecoder_SkipsLeadingSections(t *testing.T) {
	doc := `{"program_version": {"version": "7.0"}, "packets": [` +
		`{"stream_index": 0, "dts": 90000, "flags": "K_", "data": "\n00000000: 01                                       .\n"}]}`

	dec, err := newPacketDecoder(strings.NewReader(doc), testStreams())
	if err != nil {
		t.Fatalf("newPacketDecoder failed: %v", err)
	}
	p, err := dec.next(nil)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if p.Timestamp != 1_000_000 {
		t.Errorf("Expected 1s in microseconds, got %d", p.Timestamp)
	}
	if _, err := dec.next(nil); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestPacketDecoder_NoPackets(t *testing.T) {
	dec, err := newPacketDecoder(strings.NewReader(`{}`), testStreams())
	if err != nil {
		t.Fatalf("newPacketDecoder failed: %v", err)
	}
	if _, err := dec.next(nil); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF for empty dump, got %v", err)
	}
}

func TestPacketDecoder_BadDocument(t *testing.T) {
	if _, err := newPacketDecoder(strings.NewReader(`[1, 2]`), testStreams()); err == nil {
		t.Error("Expected error for non-object document")
	}
}

func TestAppendHexdump(t *testing.T) {
	tests := []struct {
		name    string
		dump    string
		want    []byte
		wantErr bool
	}{
		{name: "single short line", dump: "\n00000000: 0a0b                                     ..\n", want: []byte{0x0a, 0x0b}},
		{name: "odd byte count", dump: "00000000: 0a0b 0c                                  ...", want: []byte{0x0a, 0x0b, 0x0c}},
		{name: "ascii column looks like hex", dump: "00000000: 6162 6364                                abcd", want: []byte("abcd")},
		{name: "empty", dump: "", want: nil},
		{name: "missing offset", dump: "0a0b", wantErr: true},
		{name: "bad hex", dump: "00000000: zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := appendHexdump(nil, tt.dump)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if string(got) != string(tt.want) {
				t.Errorf("Expected %x, got %x", tt.want, got)
			}
		})
	}
}

func TestStreamClockMicros(t *testing.T) {
	num, den := parseTimeBase("1/90000")
	c := streamClock{num: num, den: den}
	if got := c.micros(90000 * 3600 * 10); got != 36_000_000_000 {
		t.Errorf("Expected 10h in microseconds, got %d", got)
	}

	raw := streamClock{}
	if got := raw.micros(42); got != 42 {
		t.Errorf("Unknown time base should pass values through, got %d", got)
	}

	if n, d := parseTimeBase("garbage"); n != 0 || d != 0 {
		t.Errorf("Expected 0/0 for garbage, got %d/%d", n, d)
	}
}

func TestPacketEngine_MissingFile(t *testing.T) {
	e := &PacketEngine{}
	_, err := demux.Open(context.Background(), e, filepath.Join(t.TempDir(), "missing.mkv"))
	if err == nil {
		t.Fatal("Expected open error")
	}
	if code := demux.OpenErrorCode(err); code != demux.CodeNotFound {
		t.Errorf("Expected CodeNotFound, got %s", code)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped ErrNotExist, got %v", err)
	}
}

func TestSelectStreams(t *testing.T) {
	streams := []Stream{
		{Index: 0, CodecName: "mjpeg", CodecType: "video", Disposition: map[string]int{"attached_pic": 1}},
		{Index: 1, CodecName: "h264", CodecType: "video"},
		{Index: 2, CodecName: "subrip", CodecType: "subtitle"},
		{Index: 3, CodecName: "aac", CodecType: "audio"},
		{Index: 4, CodecName: "vp9", CodecType: "video"},
		{Index: 5, CodecName: "ac3", CodecType: "audio", Disposition: map[string]int{"attached_pic": 0}},
		{Index: 6, CodecType: "data"},
	}

	got := SelectStreams(streams)
	var indexes []int
	for _, s := range got {
		indexes = append(indexes, s.Index)
	}
	if !slices.Equal(indexes, []int{1, 3, 5}) {
		t.Errorf("Expected streams [1 3 5], got %v", indexes)
	}
}

func TestRemuxArgs(t *testing.T) {
	args := strings.Join(remuxArgs("in.mkv", []Stream{{Index: 1}, {Index: 3}}), " ")
	for _, want := range []string{"-i in.mkv", "-map 0:1 -map 0:3", "-c copy", "-f mpegts pipe:1"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected %q in %q", want, args)
		}
	}
}

const probeDoc = `{"streams": [
	{"index": 0, "codec_name": "h264", "codec_type": "video", "time_base": "1/1000"},
	{"index": 1, "codec_name": "aac", "codec_type": "audio", "time_base": "1/48000"},
	{"index": 2, "codec_name": "mjpeg", "codec_type": "video", "disposition": {"attached_pic": 1}}
], "format": {"duration": "1.0"}}`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestPacketEngine_Open(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	dir := t.TempDir()
	source := filepath.Join(dir, "in.mkv")
	if err := os.WriteFile(source, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "probe.json"), []byte(probeDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "packets.json"), []byte(packetDump), 0o644); err != nil {
		t.Fatal(err)
	}

	// The fake ffmpeg writes the packet dump, the fake ffprobe passes its
	// stdin through, so the dump only arrives if the pipe is wired.
	ffprobeBin := writeScript(t, dir, "ffprobe", `case "$*" in
*-show_streams*) cat "`+dir+`/probe.json" ;;
*) cat ;;
esac`)
	ffmpegBin := writeScript(t, dir, "ffmpeg", `echo "$*" > "`+dir+`/ffmpeg.args"
cat "`+dir+`/packets.json"`)

	e := &PacketEngine{Prober: Prober{Binary: ffprobeBin}, FFmpegBinary: ffmpegBin}
	src, err := e.Open(context.Background(), source)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	if src.StreamCount() != 2 {
		t.Errorf("Expected 2 streams, got %d", src.StreamCount())
	}
	codecs := src.(demux.CodecSource).Codecs()
	if !slices.Equal(codecs, []string{"h264", "aac"}) {
		t.Errorf("Expected codecs [h264 aac], got %v", codecs)
	}

	var n int
	for {
		_, err := src.ReadPacket(nil)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("Expected 3 packets, got %d", n)
	}

	args, err := os.ReadFile(filepath.Join(dir, "ffmpeg.args"))
	if err != nil {
		t.Fatalf("Reading ffmpeg args: %v", err)
	}
	if !strings.Contains(string(args), "-map 0:0 -map 0:1 -c copy") {
		t.Errorf("Expected cover art left out of the remux, got %s", args)
	}
}

func TestPacketEngine_NothingCarried(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	dir := t.TempDir()
	source := filepath.Join(dir, "in.webm")
	if err := os.WriteFile(source, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}
	ffprobeBin := writeScript(t, dir, "ffprobe",
		`echo '{"streams": [{"index": 0, "codec_name": "vp9", "codec_type": "video"}]}'`)

	e := &PacketEngine{Prober: Prober{Binary: ffprobeBin}, FFmpegBinary: "false"}
	_, err := demux.Open(context.Background(), e, source)
	if code := demux.OpenErrorCode(err); code != demux.CodeUnsupported {
		t.Errorf("Expected CodeUnsupported, got %s (%v)", code, err)
	}
}
