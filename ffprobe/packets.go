package ffprobe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"distcoder/demux"
	"distcoder/internal/mpegts"
)

// DefaultFFmpegBinary remuxes sources ahead of the packet dump.
const DefaultFFmpegBinary = "ffmpeg"

// PacketEngine demultiplexes sources by streaming ffprobe's packet dump.
// It implements demux.Engine.
//
// Sources are first remuxed by ffmpeg into an MPEG transport stream with
// stream copy, so payloads come out in transport framing (Annex B video,
// ADTS audio) on a 90 kHz clock. Only audio and video streams the
// transport stream can carry are kept; the packet stream index is the
// position among those.
type PacketEngine struct {
	Prober       Prober
	FFmpegBinary string
}

func (e *PacketEngine) ffmpeg() string {
	if e.FFmpegBinary == "" {
		return DefaultFFmpegBinary
	}
	return e.FFmpegBinary
}

// SelectStreams returns the streams that survive normalization, in
// source order.
func SelectStreams(streams []Stream) []Stream {
	var out []Stream
	for _, s := range streams {
		if !s.Decodable() || s.AttachedPic() {
			continue
		}
		if s.CodecType != "video" && s.CodecType != "audio" {
			continue
		}
		if !mpegts.Supported(s.CodecName) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// remuxArgs builds the ffmpeg arguments that copy the selected streams
// into a transport stream on stdout.
func remuxArgs(source string, selected []Stream) []string {
	args := []string{"-v", "error", "-nostdin", "-i", source}
	for _, s := range selected {
		args = append(args, "-map", "0:"+strconv.Itoa(s.Index))
	}
	// -muxdelay 0: keep the timeline where the source put it
	return append(args,
		"-c", "copy",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"-f", "mpegts",
		"pipe:1",
	)
}

var dumpArgs = []string{
	"-v", "error",
	"-print_format", "json",
	"-show_packets",
	"-show_data",
	"-f", "mpegts",
	"-i", "pipe:0",
}

// Open probes the source for its streams, then pipes an ffmpeg remux of
// it into an ffprobe that dumps every packet with its payload.
func (e *PacketEngine) Open(ctx context.Context, source string) (demux.Source, error) {
	if !strings.Contains(source, "://") {
		if _, err := os.Stat(source); err != nil {
			return nil, err
		}
	}

	info, err := e.Prober.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	if len(info.Streams) == 0 {
		return nil, &demux.OpenError{Code: demux.CodeNoStreams, Source: source}
	}
	selected := SelectStreams(info.Streams)
	if len(selected) == 0 {
		return nil, &demux.OpenError{
			Code:   demux.CodeUnsupported,
			Source: source,
			Err:    fmt.Errorf("none of %d streams can be carried in a transport stream", len(info.Streams)),
		}
	}

	// Output stream i is selected[i], timed on the transport stream clock.
	streams := make([]Stream, len(selected))
	codecs := make([]string, len(selected))
	for i, s := range selected {
		streams[i] = Stream{Index: i, CodecName: s.CodecName, CodecType: s.CodecType, TimeBase: "1/90000"}
		codecs[i] = s.CodecName
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("remux pipe: %w", err)
	}

	remux := exec.CommandContext(ctx, e.ffmpeg(), remuxArgs(source, selected)...)
	var remuxErr bytes.Buffer
	remux.Stdout = pw
	remux.Stderr = &remuxErr
	if err := remux.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	pw.Close()

	dump := exec.CommandContext(ctx, e.Prober.binary(), dumpArgs...)
	var dumpErr bytes.Buffer
	dump.Stdin = pr
	dump.Stderr = &dumpErr
	stdout, err := dump.StdoutPipe()
	if err != nil {
		pr.Close()
		killWait(remux)
		return nil, fmt.Errorf("ffprobe stdout pipe: %w", err)
	}
	if err := dump.Start(); err != nil {
		pr.Close()
		killWait(remux)
		return nil, fmt.Errorf("starting ffprobe: %w", err)
	}
	pr.Close()

	src := &packetSource{
		remux:    remux,
		dump:     dump,
		remuxErr: &remuxErr,
		dumpErr:  &dumpErr,
		codecs:   codecs,
	}
	dec, err := newPacketDecoder(bufio.NewReaderSize(stdout, 1<<20), streams)
	if err != nil {
		src.Close()
		return nil, &demux.OpenError{Code: demux.CodeUnsupported, Source: source, Err: err}
	}
	src.dec = dec
	return src, nil
}

func killWait(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

type packetSource struct {
	dec      *packetDecoder
	remux    *exec.Cmd
	dump     *exec.Cmd
	remuxErr *bytes.Buffer
	dumpErr  *bytes.Buffer
	codecs   []string
	done     bool
}

func (s *packetSource) StreamCount() int { return len(s.codecs) }

// Codecs returns the codec of each stream, indexed by stream index.
func (s *packetSource) Codecs() []string { return s.codecs }

func (s *packetSource) ReadPacket(dst []byte) (demux.RawPacket, error) {
	p, err := s.dec.next(dst)
	if errors.Is(err, io.EOF) {
		s.done = true
		if werr := s.dump.Wait(); werr != nil {
			_ = s.remux.Process.Kill()
			_ = s.remux.Wait()
			return demux.RawPacket{}, fmt.Errorf("ffprobe: %w (%s)", werr, strings.TrimSpace(s.dumpErr.String()))
		}
		if werr := s.remux.Wait(); werr != nil {
			return demux.RawPacket{}, fmt.Errorf("ffmpeg remux: %w (%s)", werr, strings.TrimSpace(s.remuxErr.String()))
		}
		return demux.RawPacket{}, io.EOF
	}
	return p, err
}

func (s *packetSource) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	killWait(s.dump)
	killWait(s.remux)
	return nil
}

// rawPacket mirrors one element of ffprobe's "packets" array.
type rawPacket struct {
	StreamIndex  int    `json:"stream_index"`
	PTS          *int64 `json:"pts"`
	DTS          *int64 `json:"dts"`
	Duration     *int64 `json:"duration"`
	DTSTime      string `json:"dts_time"`
	DurationTime string `json:"duration_time"`
	Flags        string `json:"flags"`
	Data         string `json:"data"`
}

type streamClock struct {
	decodable bool
	num, den  int64
	lastTS    int64
}

// packetDecoder walks ffprobe's JSON without holding the document in memory.
type packetDecoder struct {
	dec     *json.Decoder
	streams map[int]*streamClock
	inArray bool
}

func newPacketDecoder(r io.Reader, streams []Stream) (*packetDecoder, error) {
	d := &packetDecoder{
		dec:     json.NewDecoder(r),
		streams: make(map[int]*streamClock, len(streams)),
	}
	for _, s := range streams {
		num, den := parseTimeBase(s.TimeBase)
		d.streams[s.Index] = &streamClock{decodable: s.Decodable(), num: num, den: den}
	}

	if err := d.seekPackets(); err != nil {
		return nil, err
	}
	return d, nil
}

// seekPackets advances to the first element of the "packets" array.
func (d *packetDecoder) seekPackets() error {
	tok, err := d.dec.Token()
	if err != nil {
		return fmt.Errorf("reading ffprobe output: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("unexpected ffprobe output start %v", tok)
	}
	for d.dec.More() {
		tok, err := d.dec.Token()
		if err != nil {
			return fmt.Errorf("reading ffprobe output: %w", err)
		}
		if key, _ := tok.(string); key == "packets" {
			if tok, err = d.dec.Token(); err != nil {
				return fmt.Errorf("reading packets array: %w", err)
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return fmt.Errorf("packets is not an array")
			}
			d.inArray = true
			return nil
		}
		var skip json.RawMessage
		if err := d.dec.Decode(&skip); err != nil {
			return fmt.Errorf("skipping ffprobe section: %w", err)
		}
	}
	// No packets section: an empty source.
	return nil
}

func (d *packetDecoder) next(dst []byte) (demux.RawPacket, error) {
	for d.inArray && d.dec.More() {
		var rp rawPacket
		if err := d.dec.Decode(&rp); err != nil {
			return demux.RawPacket{}, fmt.Errorf("decoding packet: %w", err)
		}

		clock, ok := d.streams[rp.StreamIndex]
		if !ok || !clock.decodable {
			continue
		}

		data, err := appendHexdump(dst, rp.Data)
		if err != nil {
			return demux.RawPacket{}, fmt.Errorf("stream %d: %w", rp.StreamIndex, err)
		}

		ts := clock.lastTS
		switch {
		case rp.DTS != nil:
			ts = clock.micros(*rp.DTS)
		case rp.PTS != nil:
			ts = clock.micros(*rp.PTS)
		case rp.DTSTime != "":
			ts = secondsToMicros(rp.DTSTime, ts)
		}
		if ts < clock.lastTS {
			ts = clock.lastTS
		}
		clock.lastTS = ts

		var dur int64
		if rp.Duration != nil {
			dur = clock.micros(*rp.Duration)
		} else {
			dur = secondsToMicros(rp.DurationTime, 0)
		}

		var cts int64
		if rp.PTS != nil && rp.DTS != nil {
			cts = clock.micros(*rp.PTS) - clock.micros(*rp.DTS)
		}

		return demux.RawPacket{
			StreamIndex:       rp.StreamIndex,
			Key:               strings.HasPrefix(rp.Flags, "K"),
			Timestamp:         ts,
			Duration:          dur,
			CompositionOffset: cts,
			Data:              data,
		}, nil
	}
	return demux.RawPacket{}, io.EOF
}

func (c *streamClock) micros(v int64) int64 {
	if c.den == 0 {
		return v
	}
	// v * num * 1e6 / den without overflow for long 90 kHz timelines
	x := new(big.Int).Mul(big.NewInt(v), big.NewInt(c.num*1_000_000))
	x.Quo(x, big.NewInt(c.den))
	return x.Int64()
}

func parseTimeBase(tb string) (int64, int64) {
	num, den, ok := strings.Cut(tb, "/")
	if !ok {
		return 0, 0
	}
	n, err1 := strconv.ParseInt(num, 10, 64)
	d, err2 := strconv.ParseInt(den, 10, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0, 0
	}
	return n, d
}

func secondsToMicros(s string, fallback int64) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return int64(math.Round(f * 1e6))
}

// appendHexdump decodes ffprobe's -show_data hexdump, e.g.
//
//	00000000: 0000 0001 0910 0000 0001 6742 c01e d900  ..........gB....
func appendHexdump(dst []byte, dump string) ([]byte, error) {
	for _, line := range strings.Split(dump, "\n") {
		if line == "" {
			continue
		}
		_, rest, ok := strings.Cut(line, ": ")
		if !ok {
			return dst, fmt.Errorf("malformed hexdump line %q", line)
		}
		hexPart, _, _ := strings.Cut(rest, "  ")
		hexPart = strings.ReplaceAll(strings.TrimSpace(hexPart), " ", "")
		decoded, err := hex.DecodeString(hexPart)
		if err != nil {
			return dst, fmt.Errorf("malformed hexdump line %q: %w", line, err)
		}
		dst = append(dst, decoded...)
	}
	return dst, nil
}
