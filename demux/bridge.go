// Package demux exposes a pull-based packet stream over a demultiplexed
// media source with explicit payload ownership.
//
// A Handle moves through Open → producing → end-of-stream | closed and never
// reopens. Every Packet handed out must be released exactly once; a second
// Release is a no-op that reports alreadyReleased. Packets still outstanding
// when the handle closes are reported to a LeakReporter, which is purely
// diagnostic: nothing is reclaimed on the caller's behalf.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LeakReporter receives diagnostic reports of packets never released.
type LeakReporter interface {
	ReportLeak(source string, outstanding int64)
}

// LeakFunc adapts a function to LeakReporter.
type LeakFunc func(source string, outstanding int64)

// ReportLeak implements LeakReporter.
func (f LeakFunc) ReportLeak(source string, outstanding int64) { f(source, outstanding) }

type handleState int

const (
	stateOpen handleState = iota
	stateEOS
	stateClosed
)

// Handle is an open packet stream. It is not safe for concurrent use;
// packets may be released from other goroutines.
type Handle struct {
	source string
	src    Source
	state  handleState

	pool        sync.Pool
	outstanding atomic.Int64
	produced    int64

	leaks LeakReporter
	log   zerolog.Logger
}

// Option configures a Handle.
type Option func(*Handle)

// WithLeakReporter overrides where unreleased packets are reported.
func WithLeakReporter(r LeakReporter) Option {
	return func(h *Handle) { h.leaks = r }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Handle) { h.log = log }
}

// Open demultiplexes source with engine. On failure it returns an
// *OpenError and no handle.
func Open(ctx context.Context, engine Engine, source string, opts ...Option) (*Handle, error) {
	src, err := engine.Open(ctx, source)
	if err != nil {
		return nil, &OpenError{Code: classify(err), Source: source, Err: err}
	}
	if src.StreamCount() <= 0 {
		_ = src.Close()
		return nil, &OpenError{Code: CodeNoStreams, Source: source}
	}

	h := &Handle{
		source: source,
		src:    src,
		log:    zerolog.Nop(),
	}
	h.pool.New = func() any {
		b := make([]byte, 0, 64<<10)
		return &b
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.leaks == nil {
		h.leaks = LeakFunc(func(source string, n int64) {
			h.log.Warn().Str("source", source).Int64("outstanding", n).Msg("packets not released before close")
		})
	}
	return h, nil
}

func classify(err error) ErrorCode {
	var oe *OpenError
	switch {
	case errors.As(err, &oe):
		return oe.Code
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	default:
		return CodeEngine
	}
}

// Source returns the locator the handle was opened with.
func (h *Handle) Source() string { return h.source }

// StreamCount returns the number of elementary streams in the source.
func (h *Handle) StreamCount() int { return h.src.StreamCount() }

// Codecs returns the codec name of each stream, or nil when the engine
// does not report them.
func (h *Handle) Codecs() []string {
	if cs, ok := h.src.(CodecSource); ok {
		return cs.Codecs()
	}
	return nil
}

// Outstanding returns the number of packets handed out and not yet released.
func (h *Handle) Outstanding() int64 { return h.outstanding.Load() }

// Produced returns the number of packets handed out so far.
func (h *Handle) Produced() int64 { return h.produced }

// NextPacket blocks until the next packet is available. It returns
// ErrEndOfStream once, then ErrExhausted; after Close it returns
// ErrHandleClosed.
func (h *Handle) NextPacket() (*Packet, error) {
	switch h.state {
	case stateClosed:
		return nil, ErrHandleClosed
	case stateEOS:
		return nil, ErrExhausted
	}

	buf := h.pool.Get().(*[]byte)
	raw, err := h.src.ReadPacket((*buf)[:0])
	if err != nil {
		h.pool.Put(buf)
		if errors.Is(err, ErrEndOfStream) {
			h.state = stateEOS
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("demux: read packet from %s: %w", h.source, err)
	}
	*buf = raw.Data

	h.produced++
	h.outstanding.Add(1)
	p := &Packet{
		StreamID:          raw.StreamIndex,
		SplitPoint:        raw.Key,
		Timestamp:         raw.Timestamp,
		Duration:          raw.Duration,
		CompositionOffset: raw.CompositionOffset,
		owner:             h,
	}
	p.buf.Store(buf)
	return p, nil
}

// Close releases the underlying source. It returns true when the handle
// was already closed. Outstanding packets are reported, not reclaimed.
func (h *Handle) Close() (alreadyClosed bool) {
	if h.state == stateClosed {
		return true
	}
	h.state = stateClosed

	if err := h.src.Close(); err != nil {
		h.log.Warn().Err(err).Str("source", h.source).Msg("closing demux source")
	}
	if n := h.outstanding.Load(); n > 0 {
		h.leaks.ReportLeak(h.source, n)
	}
	return false
}

func (h *Handle) recycle(buf *[]byte) {
	h.outstanding.Add(-1)
	h.pool.Put(buf)
}

// Packet is one demultiplexed unit. The consumer owns its payload until
// Release.
//
// Release and Payload may race: Payload then returns either the bytes or
// nil. The bytes themselves belong to the pool once Release returns, so a
// slice obtained from Payload must not be used after Release.
type Packet struct {
	StreamID          int
	SplitPoint        bool
	Timestamp         int64 // microseconds
	Duration          int64 // microseconds
	CompositionOffset int64 // microseconds

	owner *Handle
	buf   atomic.Pointer[[]byte]
}

// Payload returns the packet bytes, or nil after Release.
func (p *Packet) Payload() []byte {
	buf := p.buf.Load()
	if buf == nil {
		return nil
	}
	return *buf
}

// Size returns the payload size, or 0 once released.
func (p *Packet) Size() int {
	return len(p.Payload())
}

// Release hands the payload back to the handle. It reports whether the
// packet had already been released, in which case it does nothing.
func (p *Packet) Release() (alreadyReleased bool) {
	buf := p.buf.Swap(nil)
	if buf == nil {
		return true
	}
	if p.owner != nil {
		p.owner.recycle(buf)
	}
	return false
}
