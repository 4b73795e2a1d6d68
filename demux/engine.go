package demux

import (
	"context"
	"io"
)

// RawPacket is what an Engine produces for one demultiplexed unit.
// Timestamp, Duration and CompositionOffset are in microseconds.
type RawPacket struct {
	StreamIndex       int
	Key               bool
	Timestamp         int64
	Duration          int64
	CompositionOffset int64
	Data              []byte
}

// Engine opens sources with the native codec engine.
type Engine interface {
	Open(ctx context.Context, source string) (Source, error)
}

// Source is one opened, demultiplexed input.
//
// ReadPacket appends the payload to dst and returns the packet with Data
// aliasing the (possibly grown) buffer. It returns io.EOF once drained.
// Streams the engine has no decoder for are skipped and never surface.
type Source interface {
	StreamCount() int
	ReadPacket(dst []byte) (RawPacket, error)
	Close() error
}

// CodecSource is implemented by sources that know the codec of each
// stream. Codecs is indexed by stream index and uses ffmpeg codec names.
type CodecSource interface {
	Codecs() []string
}

// SliceEngine serves packets from memory. Every source name opens the same
// packet list.
type SliceEngine struct {
	Streams int
	Packets []RawPacket
	// Codecs, when set, is reported through CodecSource.
	Codecs []string
	// OpenErr, when set, is returned by Open.
	OpenErr error
}

// Open implements Engine.
func (e *SliceEngine) Open(ctx context.Context, source string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	return &sliceSource{streams: e.Streams, packets: e.Packets, codecs: e.Codecs}, nil
}

type sliceSource struct {
	streams int
	packets []RawPacket
	codecs  []string
	pos     int
	closed  bool
}

func (s *sliceSource) StreamCount() int { return s.streams }

func (s *sliceSource) Codecs() []string { return s.codecs }

func (s *sliceSource) ReadPacket(dst []byte) (RawPacket, error) {
	if s.pos >= len(s.packets) {
		return RawPacket{}, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	p.Data = append(dst, p.Data...)
	return p, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}
