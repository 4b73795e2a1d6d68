package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"

	"distcoder/internal/mpegts"
	"distcoder/models"
	"distcoder/substrate"
)

// TranscoderConfig selects the containers and codecs of chunk transcodes.
type TranscoderConfig struct {
	Binary       string
	OutputFormat string // container written to stdout
	VideoCodec   string
	AudioCodec   string
	Preset       string
}

// Transcoder runs one ffmpeg process per chunk.
type Transcoder struct {
	cfg  TranscoderConfig
	exec *Executor
	log  zerolog.Logger
}

// NewTranscoder creates a Transcoder.
func NewTranscoder(cfg TranscoderConfig, log zerolog.Logger) *Transcoder {
	return &Transcoder{
		cfg:  cfg,
		exec: NewExecutor(cfg.Binary, log),
		log:  log.With().Str("component", "transcoder").Logger(),
	}
}

// Executor returns the executor the transcoder runs ffmpeg with.
func (t *Transcoder) Executor() *Executor { return t.exec }

// Builder returns an ArgsBuilder preconfigured for params.
func (t *Transcoder) Builder(params models.TranscodeParams) *ArgsBuilder {
	b := NewArgsBuilder().SetParams(params).EnableProgress()
	if t.cfg.OutputFormat != "" {
		b.SetOutputFormat(t.cfg.OutputFormat)
	}
	if t.cfg.VideoCodec != "" {
		b.SetVideoCodec(t.cfg.VideoCodec)
	}
	if t.cfg.AudioCodec != "" {
		b.SetAudioCodec(t.cfg.AudioCodec)
	}
	if t.cfg.Preset != "" {
		b.SetPreset(t.cfg.Preset)
	}
	return b
}

// NewSession implements substrate.Transcoder.
func (t *Transcoder) NewSession(ctx context.Context, params models.TranscodeParams) (substrate.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transcode params: %w", err)
	}
	return &session{t: t, params: params}, nil
}

type session struct {
	t      *Transcoder
	params models.TranscodeParams
}

// Transcode muxes the chunk into a transport stream and pipes it through
// ffmpeg.
func (s *session) Transcode(ctx context.Context, chunk *models.Chunk) ([]byte, error) {
	var in bytes.Buffer
	in.Grow(int(chunk.SizeBytes) + int(chunk.SizeBytes)/8 + 2*mpegts.PacketSize)
	if err := muxChunk(&in, chunk); err != nil {
		return nil, err
	}

	// -map 0 keeps the muxer's stream order, which is ascending stream ID.
	ids := slices.Sorted(slices.Values(chunk.Streams))
	args := s.t.Builder(s.params).SetStreamIDs(ids).BuildArgs()

	progress := models.NewTranscodeProgress(chunk.Sequence, chunkDuration(chunk))
	var out bytes.Buffer
	err := s.t.exec.Run(ctx, args, &in, &out, progress, func(p *models.TranscodeProgress) {
		s.t.log.Trace().Msg(p.FormatSummary())
	})
	if err != nil {
		return nil, err
	}
	s.t.log.Debug().Uint64("seq", chunk.Sequence).Int64("in_bytes", chunk.SizeBytes).
		Int("out_bytes", out.Len()).Float64("speed", progress.Speed).Msg("chunk transcoded")
	return out.Bytes(), nil
}

func (s *session) Close() error { return nil }

// muxChunk writes the chunk's packets as a transport stream. Timestamps
// stay on the source timeline.
func muxChunk(w io.Writer, chunk *models.Chunk) error {
	streams := make([]mpegts.Stream, 0, len(chunk.Streams))
	for _, id := range chunk.Streams {
		codec, ok := chunk.Codecs[id]
		if !ok {
			return fmt.Errorf("chunk %d: no codec recorded for stream %d", chunk.Sequence, id)
		}
		streams = append(streams, mpegts.Stream{ID: id, Codec: codec})
	}
	m, err := mpegts.NewMuxer(w, streams)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", chunk.Sequence, err)
	}
	for _, p := range chunk.Packets {
		dts := mpegts.MicrosToClock(p.Timestamp)
		err := m.WritePacket(mpegts.Packet{
			StreamID: p.StreamID,
			DTS:      dts,
			PTS:      dts + mpegts.MicrosToClock(p.CompositionOffset),
			Key:      p.SplitPoint,
			Data:     p.Data,
		})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.Sequence, err)
		}
	}
	return nil
}

// chunkDuration is the span of the chunk's primary stream in microseconds.
func chunkDuration(c *models.Chunk) int64 {
	primary := c.PrimaryStream()
	var first, end int64
	seen := false
	for _, p := range c.Packets {
		if p.StreamID != primary {
			continue
		}
		if !seen {
			first = p.Timestamp
			seen = true
		}
		end = p.Timestamp + p.Duration
	}
	if !seen || end < first {
		return 0
	}
	return end - first
}

var _ substrate.Transcoder = (*Transcoder)(nil)
