// Package chunker carves a demultiplexed packet stream into ordered,
// size-bounded chunks that can be transcoded independently.
package chunker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"distcoder/demux"
	"distcoder/models"
)

const (
	// DefaultMaxChunkBytes is the default chunk size threshold.
	DefaultMaxChunkBytes = 16 << 20 // 16 MiB

	// MinChunkBytes is the smallest accepted threshold.
	MinChunkBytes = 1

	// MaxChunkBytes caps the threshold at 4 GiB.
	MaxChunkBytes = 4 << 30

	ctxCheckInterval = 256
)

// PacketSource yields packets until demux.ErrEndOfStream.
type PacketSource interface {
	NextPacket() (*demux.Packet, error)
}

// Sink receives chunks in sequence order.
type Sink func(chunk *models.Chunk) error

// PlanStats summarises one planning pass.
type PlanStats struct {
	Chunks     int
	Packets    int64
	Bytes      int64
	Oversized  int // chunks above the threshold that had no aligned cut
	Coalesced  int // boundaries removed because a stream entered mid-run
	Misaligned int // streams that entered a chunk without a split point
}

// Planner splits packet streams into chunks.
//
// A chunk is a contiguous run of the packet stream. Every chunk after the
// first starts each of its streams at a split point. When adding a packet
// would push the open chunk over the threshold, the planner cuts at the
// latest position whose remainder is aligned; the remainder and the new
// packet open the next chunk.
//
// The most recently closed chunk is held back until the next cut. If a
// stream then enters the open chunk on a non-split packet, the held chunk
// is merged back in so no chunk starts that stream mid-run.
type Planner struct {
	maxBytes   int64
	sourcePath string
	log        zerolog.Logger
}

// NewPlanner creates a Planner with default settings.
func NewPlanner() *Planner {
	return &Planner{
		maxBytes: DefaultMaxChunkBytes,
		log:      zerolog.Nop(),
	}
}

// SetMaxChunkBytes sets the chunk size threshold.
func (p *Planner) SetMaxChunkBytes(n int64) *Planner {
	p.maxBytes = n
	return p
}

// SetSourcePath tags produced chunks with the source they came from.
func (p *Planner) SetSourcePath(path string) *Planner {
	p.sourcePath = path
	return p
}

// SetLogger sets the planner's logger.
func (p *Planner) SetLogger(log zerolog.Logger) *Planner {
	p.log = log
	return p
}

// Plan pulls every packet from src and hands finished chunks to sink in
// sequence order. Buffered packets are always flushed at end of stream.
//
// Each packet's payload is copied into the chunk and released before the
// next packet is requested.
func (p *Planner) Plan(ctx context.Context, src PacketSource, sink Sink) (PlanStats, error) {
	if p.maxBytes < MinChunkBytes {
		return PlanStats{}, fmt.Errorf("chunk size must be at least %d bytes", MinChunkBytes)
	}
	if p.maxBytes > MaxChunkBytes {
		return PlanStats{}, fmt.Errorf("chunk size cannot exceed %d bytes", int64(MaxChunkBytes))
	}
	if sink == nil {
		return PlanStats{}, fmt.Errorf("sink cannot be nil")
	}

	st := newPlanState(p, sink)
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return st.stats, err
			}
		}

		pkt, err := src.NextPacket()
		if errors.Is(err, demux.ErrEndOfStream) {
			break
		}
		if err != nil {
			return st.stats, fmt.Errorf("reading packet %d: %w", n, err)
		}

		if err := st.add(take(pkt)); err != nil {
			return st.stats, err
		}
	}

	if err := st.flush(); err != nil {
		return st.stats, err
	}
	return st.stats, nil
}

// CreateChunks plans src and collects every chunk in memory.
func (p *Planner) CreateChunks(ctx context.Context, src PacketSource) ([]*models.Chunk, PlanStats, error) {
	var chunks []*models.Chunk
	stats, err := p.Plan(ctx, src, func(c *models.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return chunks, stats, nil
}

// take copies a bridge packet into chunk-owned memory and releases it.
func take(pkt *demux.Packet) models.Packet {
	defer pkt.Release()
	return models.Packet{
		StreamID:          pkt.StreamID,
		SplitPoint:        pkt.SplitPoint,
		Timestamp:         pkt.Timestamp,
		Duration:          pkt.Duration,
		CompositionOffset: pkt.CompositionOffset,
		Data:              append([]byte(nil), pkt.Payload()...),
	}
}

type heldChunk struct {
	packets []models.Packet
	leading bool // starts at the first packet of the source
}

type planState struct {
	p    *Planner
	sink Sink

	open        []models.Packet
	openSize    int64
	openStreams map[int]struct{}
	openLeading bool
	// positions below scanFrom can never become aligned cuts
	scanFrom int
	// streams that have produced at least one non-split packet
	inter map[int]bool

	held  *heldChunk
	seq   uint64
	stats PlanStats
}

func newPlanState(p *Planner, sink Sink) *planState {
	return &planState{
		p:           p,
		sink:        sink,
		openStreams: make(map[int]struct{}),
		inter:       make(map[int]bool),
		openLeading: true,
		scanFrom:    1,
	}
}

func (s *planState) add(pkt models.Packet) error {
	s.stats.Packets++
	s.stats.Bytes += pkt.Size()
	if !pkt.SplitPoint {
		s.inter[pkt.StreamID] = true
	}

	if len(s.open) > 0 && s.openSize+pkt.Size() > s.p.maxBytes {
		if k, ok := s.alignedCut(pkt); ok {
			if err := s.cut(k); err != nil {
				return err
			}
		} else {
			// no position can become aligned again: each remainder keeps a
			// stream whose first packet is not a split point
			s.scanFrom = len(s.open) + 1
		}
	}

	if _, present := s.openStreams[pkt.StreamID]; !present && !pkt.SplitPoint && !s.openLeading {
		s.coalesce(pkt.StreamID)
	}

	s.open = append(s.open, pkt)
	s.openSize += pkt.Size()
	s.openStreams[pkt.StreamID] = struct{}{}
	return nil
}

// alignedCut picks where to close the open chunk before next is added.
//
// A position k is aligned when open[k:] followed by next starts every
// stream it contains at a split point. Aligned positions whose remainder
// also contains every inter-coded stream of the open chunk are preferred:
// cutting elsewhere would let the next packet of a missing stream open the
// new chunk mid-run. The latest preferred position wins, then the latest
// aligned one.
func (s *planState) alignedCut(next models.Packet) (int, bool) {
	want := 0
	for id := range s.openStreams {
		if s.inter[id] {
			want++
		}
	}
	if _, ok := s.openStreams[next.StreamID]; !ok && s.inter[next.StreamID] {
		want++
	}

	first := map[int]bool{next.StreamID: next.SplitPoint}
	bad, covered := 0, 0
	if !next.SplitPoint {
		bad++
	}
	if s.inter[next.StreamID] {
		covered++
	}

	fallback := -1
	preferred := func(k int) bool {
		if bad != 0 {
			return false
		}
		if covered == want {
			return true
		}
		if fallback < 0 {
			fallback = k
		}
		return false
	}

	if len(s.open) >= s.scanFrom && preferred(len(s.open)) {
		return len(s.open), true
	}
	for k := len(s.open) - 1; k >= s.scanFrom; k-- {
		pk := s.open[k]
		prev, seen := first[pk.StreamID]
		if !seen && s.inter[pk.StreamID] {
			covered++
		}
		if seen && !prev {
			bad--
		}
		first[pk.StreamID] = pk.SplitPoint
		if !pk.SplitPoint {
			bad++
		}
		if preferred(k) {
			return k, true
		}
	}
	if fallback > 0 {
		return fallback, true
	}
	return 0, false
}

func (s *planState) cut(k int) error {
	head := make([]models.Packet, k)
	copy(head, s.open[:k])
	tail := make([]models.Packet, len(s.open)-k, cap(s.open)-k)
	copy(tail, s.open[k:])

	if s.held != nil {
		if err := s.emit(s.held.packets); err != nil {
			return err
		}
	}
	s.held = &heldChunk{packets: head, leading: s.openLeading}

	s.open = tail
	s.openLeading = false
	s.openSize = 0
	clear(s.openStreams)
	for _, pk := range s.open {
		s.openSize += pk.Size()
		s.openStreams[pk.StreamID] = struct{}{}
	}
	s.scanFrom = 1
	return nil
}

// coalesce merges the held chunk into the open one because streamID is
// about to enter the open chunk without a split point.
func (s *planState) coalesce(streamID int) {
	if s.held == nil {
		s.stats.Misaligned++
		return
	}

	held := s.held
	s.held = nil
	s.stats.Coalesced++

	merged := make([]models.Packet, 0, len(held.packets)+len(s.open)+1)
	merged = append(merged, held.packets...)
	merged = append(merged, s.open...)
	s.open = merged
	s.openLeading = held.leading
	s.scanFrom += len(held.packets)

	streamSeen := false
	for _, pk := range held.packets {
		s.openSize += pk.Size()
		s.openStreams[pk.StreamID] = struct{}{}
		if pk.StreamID == streamID {
			streamSeen = true
		}
	}

	if !streamSeen && !s.openLeading {
		s.stats.Misaligned++
		s.p.log.Warn().
			Int("stream", streamID).
			Uint64("seq", s.seq).
			Msg("stream enters chunk without a split point")
	}
}

func (s *planState) flush() error {
	if s.held != nil {
		if err := s.emit(s.held.packets); err != nil {
			return err
		}
		s.held = nil
	}
	if len(s.open) > 0 {
		if err := s.emit(s.open); err != nil {
			return err
		}
		s.open = nil
	}
	return nil
}

func (s *planState) emit(packets []models.Packet) error {
	chunk := &models.Chunk{
		Sequence:   s.seq,
		Packets:    packets,
		SourcePath: s.p.sourcePath,
	}
	chunk.Recompute()
	s.seq++
	s.stats.Chunks++
	if chunk.SizeBytes > s.p.maxBytes && len(packets) > 1 {
		s.stats.Oversized++
	}

	s.p.log.Debug().
		Uint64("seq", chunk.Sequence).
		Int("packets", len(packets)).
		Int64("bytes", chunk.SizeBytes).
		Ints("streams", chunk.Streams).
		Msg("chunk planned")

	if err := s.sink(chunk); err != nil {
		return fmt.Errorf("chunk %d: %w", chunk.Sequence, err)
	}
	return nil
}
