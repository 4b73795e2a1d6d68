// Package models provides core data structures for the distcoder pipeline.
package models

import (
	"fmt"
	"sort"
)

// Packet is one demultiplexed unit owned by a Chunk.
//
// Packets handed out by the demux bridge are released back to the bridge
// as soon as they are copied into a chunk, so a Packet inside a Chunk always
// owns its Data outright.
//
// Timestamp (decode order) and Duration are in microseconds.
// CompositionOffset is the presentation time minus Timestamp.
type Packet struct {
	StreamID          int    `json:"stream_id" yaml:"stream_id"`
	SplitPoint        bool   `json:"split_point" yaml:"split_point"`
	Timestamp         int64  `json:"timestamp" yaml:"timestamp"`
	Duration          int64  `json:"duration" yaml:"duration"`
	CompositionOffset int64  `json:"composition_offset,omitempty" yaml:"composition_offset,omitempty"`
	Data              []byte `json:"-" yaml:"-"`
}

// Size returns the payload size in bytes.
func (p Packet) Size() int64 {
	return int64(len(p.Data))
}

// StreamSpan records the timestamp range one stream covers inside a chunk.
type StreamSpan struct {
	StreamID       int   `json:"stream_id" yaml:"stream_id"`
	FirstTimestamp int64 `json:"first_ts" yaml:"first_ts"`
	LastTimestamp  int64 `json:"last_ts" yaml:"last_ts"`
}

// Chunk is an ordered run of packets from one or more streams.
//
// Chunks are produced by the chunk planner from the packet stream of a
// source. Concatenating every chunk's packets in Sequence order reproduces
// the original packet stream. Each chunk after the first starts every
// stream it contains at a split point, so chunks can be transcoded
// independently.
//
// Use NewChunk to create a validated Chunk instance.
type Chunk struct {
	Sequence   uint64   `json:"sequence" yaml:"sequence"`
	Streams    []int    `json:"streams" yaml:"streams"`
	SizeBytes  int64    `json:"size_bytes" yaml:"size_bytes"`
	Packets    []Packet `json:"-" yaml:"-"`
	SourcePath string   `json:"source_path,omitempty" yaml:"source_path,omitempty"`

	// Codecs names the codec of each stream present, keyed by stream ID.
	Codecs map[int]string `json:"codecs,omitempty" yaml:"codecs,omitempty"`
}

// NewChunk creates a Chunk from packets, deriving stream membership and size.
//
// Returns an error if packets is empty.
//
// Example:
//
//	chunk, err := models.NewChunk(0, packets)
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewChunk(seq uint64, packets []Packet) (*Chunk, error) {
	c := &Chunk{
		Sequence: seq,
		Packets:  packets,
	}
	c.Recompute()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk: %w", err)
	}
	return c, nil
}

// Recompute refreshes Streams and SizeBytes from Packets.
func (c *Chunk) Recompute() {
	seen := make(map[int]struct{})
	c.Streams = c.Streams[:0]
	c.SizeBytes = 0
	for _, p := range c.Packets {
		c.SizeBytes += p.Size()
		if _, ok := seen[p.StreamID]; !ok {
			seen[p.StreamID] = struct{}{}
			c.Streams = append(c.Streams, p.StreamID)
		}
	}
	sort.Ints(c.Streams)
}

// HasStream reports whether the chunk contains packets of streamID.
func (c *Chunk) HasStream(streamID int) bool {
	i := sort.SearchInts(c.Streams, streamID)
	return i < len(c.Streams) && c.Streams[i] == streamID
}

// PrimaryStream returns the lowest stream ID in the chunk, or -1 when empty.
func (c *Chunk) PrimaryStream() int {
	if len(c.Streams) == 0 {
		return -1
	}
	return c.Streams[0]
}

// Spans returns the per-stream timestamp ranges, ordered by stream ID.
func (c *Chunk) Spans() []StreamSpan {
	byStream := make(map[int]*StreamSpan)
	for _, p := range c.Packets {
		s, ok := byStream[p.StreamID]
		if !ok {
			byStream[p.StreamID] = &StreamSpan{
				StreamID:       p.StreamID,
				FirstTimestamp: p.Timestamp,
				LastTimestamp:  p.Timestamp,
			}
			continue
		}
		s.LastTimestamp = p.Timestamp
	}
	spans := make([]StreamSpan, 0, len(byStream))
	for _, s := range byStream {
		spans = append(spans, *s)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].StreamID < spans[j].StreamID })
	return spans
}

// Validate checks that the chunk is internally consistent.
//
// Returns an error if:
//   - the chunk has no packets
//   - SizeBytes does not match the packet payloads
//   - a stream's timestamps decrease inside the chunk
func (c *Chunk) Validate() error {
	if len(c.Packets) == 0 {
		return fmt.Errorf("chunk %d has no packets", c.Sequence)
	}

	var size int64
	last := make(map[int]int64)
	for i, p := range c.Packets {
		size += p.Size()
		if prev, ok := last[p.StreamID]; ok && p.Timestamp < prev {
			return fmt.Errorf("chunk %d: packet %d of stream %d goes back in time (%d < %d)",
				c.Sequence, i, p.StreamID, p.Timestamp, prev)
		}
		last[p.StreamID] = p.Timestamp
	}

	if size != c.SizeBytes {
		return fmt.Errorf("chunk %d: size_bytes %d does not match payload total %d", c.Sequence, c.SizeBytes, size)
	}

	return nil
}
