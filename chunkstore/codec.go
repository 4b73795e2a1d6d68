package chunkstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/quic-go/quic-go/quicvarint"

	"distcoder/models"
)

var (
	chunkMagic  = [4]byte{'D', 'C', 'K', '1'}
	recordMagic = [4]byte{'D', 'C', 'R', '1'}
)

const (
	flagSplitPoint = 1 << 0

	// maxPayload bounds a single length prefix when decoding.
	maxPayload = 1 << 32
	maxCodecs  = 1 << 12
	maxName    = 64
)

var (
	// ErrBadMagic is returned when a file does not start with the expected magic.
	ErrBadMagic = errors.New("chunkstore: bad magic")

	// ErrCorrupt is returned when a length prefix is out of range.
	ErrCorrupt = errors.New("chunkstore: corrupt data")

	// ErrOutOfRange is returned when a value has no varint encoding.
	ErrOutOfRange = errors.New("chunkstore: value out of range")
)

// encoder appends varint fields to buf and keeps the first error.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) putUint(field string, v uint64) {
	if e.err != nil {
		return
	}
	if v > quicvarint.Max {
		e.err = fmt.Errorf("%w: %s %d", ErrOutOfRange, field, v)
		return
	}
	e.buf = quicvarint.Append(e.buf, v)
}

// putInt zigzag-encodes v; magnitudes of 2^61 and more do not fit.
func (e *encoder) putInt(field string, v int64) {
	if e.err == nil && (v >= 1<<61 || v < -(1<<61)) {
		e.err = fmt.Errorf("%w: %s %d", ErrOutOfRange, field, v)
		return
	}
	e.putUint(field, zigzag(v))
}

func (e *encoder) putStream(id int) {
	if e.err == nil && id < 0 {
		e.err = fmt.Errorf("%w: stream id %d", ErrOutOfRange, id)
		return
	}
	e.putUint("stream id", uint64(id))
}

func (e *encoder) putBytes(field string, b []byte) {
	e.putUint(field, uint64(len(b)))
	if e.err == nil {
		e.buf = append(e.buf, b...)
	}
}

func zigzag(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

func writeMagic(w io.Writer, magic [4]byte) error {
	_, err := w.Write(magic[:])
	return err
}

func readMagic(r io.Reader, magic [4]byte) error {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return err
	}
	if got != magic {
		return fmt.Errorf("%w: got %q want %q", ErrBadMagic, got[:], magic[:])
	}
	return nil
}

// encodeChunk appends the wire form of c to buf: the sequence, the codec
// table, then the packets.
func encodeChunk(buf []byte, c *models.Chunk) ([]byte, error) {
	e := &encoder{buf: append(buf, chunkMagic[:]...)}
	e.putUint("sequence", c.Sequence)

	ids := make([]int, 0, len(c.Codecs))
	for id := range c.Codecs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	e.putUint("codec count", uint64(len(ids)))
	for _, id := range ids {
		e.putStream(id)
		e.putBytes("codec name", []byte(c.Codecs[id]))
	}

	e.putUint("packet count", uint64(len(c.Packets)))
	for _, p := range c.Packets {
		e.putStream(p.StreamID)
		var flags byte
		if p.SplitPoint {
			flags |= flagSplitPoint
		}
		e.buf = append(e.buf, flags)
		e.putInt("timestamp", p.Timestamp)
		e.putInt("duration", p.Duration)
		e.putInt("composition offset", p.CompositionOffset)
		e.putBytes("payload", p.Data)
	}
	if e.err != nil {
		return buf, fmt.Errorf("chunk %d: %w", c.Sequence, e.err)
	}
	return e.buf, nil
}

func decodeChunk(r *bufio.Reader) (*models.Chunk, error) {
	if err := readMagic(r, chunkMagic); err != nil {
		return nil, err
	}

	seq, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("reading sequence: %w", err)
	}
	codecs, err := decodeCodecs(r)
	if err != nil {
		return nil, fmt.Errorf("reading codecs: %w", err)
	}
	count, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("reading packet count: %w", err)
	}

	c := &models.Chunk{Sequence: seq, Codecs: codecs, Packets: make([]models.Packet, 0, min(count, 1<<16))}
	for i := uint64(0); i < count; i++ {
		p, err := decodePacket(r)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		c.Packets = append(c.Packets, p)
	}
	c.Recompute()
	return c, nil
}

func decodeCodecs(r *bufio.Reader) (map[int]string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > maxCodecs {
		return nil, fmt.Errorf("%w: %d codecs", ErrCorrupt, n)
	}
	if n == 0 {
		return nil, nil
	}
	codecs := make(map[int]string, n)
	for i := uint64(0); i < n; i++ {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, unexpected(err)
		}
		size, err := quicvarint.Read(r)
		if err != nil {
			return nil, unexpected(err)
		}
		if size > maxName {
			return nil, fmt.Errorf("%w: codec name of %d bytes", ErrCorrupt, size)
		}
		name := make([]byte, size)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, unexpected(err)
		}
		codecs[int(id)] = string(name)
	}
	return codecs, nil
}

func decodePacket(r *bufio.Reader) (models.Packet, error) {
	var p models.Packet

	stream, err := quicvarint.Read(r)
	if err != nil {
		return p, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	ts, err := quicvarint.Read(r)
	if err != nil {
		return p, err
	}
	dur, err := quicvarint.Read(r)
	if err != nil {
		return p, err
	}
	cts, err := quicvarint.Read(r)
	if err != nil {
		return p, err
	}
	data, err := readBytes(r)
	if err != nil {
		return p, err
	}

	p.StreamID = int(stream)
	p.SplitPoint = flags&flagSplitPoint != 0
	p.Timestamp = unzigzag(ts)
	p.Duration = unzigzag(dur)
	p.CompositionOffset = unzigzag(cts)
	p.Data = data
	return p, nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > maxPayload {
		return nil, fmt.Errorf("%w: length %d", ErrCorrupt, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Record is one transcoded chunk inside a partition output file.
type Record struct {
	Seq     uint64
	Spans   []models.StreamSpan
	Payload []byte
}

func encodeRecord(buf []byte, rec Record) ([]byte, error) {
	e := &encoder{buf: buf}
	e.putUint("sequence", rec.Seq)
	e.putUint("span count", uint64(len(rec.Spans)))
	for _, s := range rec.Spans {
		e.putStream(s.StreamID)
		e.putInt("first timestamp", s.FirstTimestamp)
		e.putInt("last timestamp", s.LastTimestamp)
	}
	e.putBytes("payload", rec.Payload)
	if e.err != nil {
		return buf, fmt.Errorf("record %d: %w", rec.Seq, e.err)
	}
	return e.buf, nil
}

// decodeRecord reads one record; io.EOF means a clean end of file.
func decodeRecord(r *bufio.Reader, withPayload bool) (Record, error) {
	var rec Record
	seq, err := quicvarint.Read(r)
	if err != nil {
		return rec, err
	}
	rec.Seq = seq

	n, err := quicvarint.Read(r)
	if err != nil {
		return rec, unexpected(err)
	}
	if n > 1<<16 {
		return rec, fmt.Errorf("%w: %d spans", ErrCorrupt, n)
	}
	for i := uint64(0); i < n; i++ {
		var vals [3]uint64
		for j := range vals {
			if vals[j], err = quicvarint.Read(r); err != nil {
				return rec, unexpected(err)
			}
		}
		rec.Spans = append(rec.Spans, models.StreamSpan{
			StreamID:       int(vals[0]),
			FirstTimestamp: unzigzag(vals[1]),
			LastTimestamp:  unzigzag(vals[2]),
		})
	}

	if withPayload {
		if rec.Payload, err = readBytes(r); err != nil {
			return rec, unexpected(err)
		}
		return rec, nil
	}

	size, err := quicvarint.Read(r)
	if err != nil {
		return rec, unexpected(err)
	}
	if _, err := r.Discard(int(size)); err != nil {
		return rec, unexpected(err)
	}
	return rec, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
