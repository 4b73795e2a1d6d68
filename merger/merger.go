// Package merger reassembles partition outputs into final job output.
//
// Partition files hold transcoded chunks tagged with their original
// sequence numbers. The merger orders every record by sequence, refuses
// to continue over a gap, checks that each stream's timestamps never go
// backwards, and writes the payloads out in order.
package merger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"distcoder/chunkstore"
)

var (
	// ErrSequenceGap is returned when a sequence number is missing or repeated.
	ErrSequenceGap = errors.New("merger: sequence gap")

	// ErrTimestampOrder is returned when a stream's timestamps decrease
	// across chunks.
	ErrTimestampOrder = errors.New("merger: timestamp order")

	// ErrIncomplete is returned when the partition directory was never committed.
	ErrIncomplete = errors.New("merger: partition outputs not committed")
)

// Remuxer rewrites the merged elementary output into a container.
type Remuxer interface {
	Remux(ctx context.Context, src, dst string) error
}

// Stats describes a completed merge.
type Stats struct {
	Partitions int
	Records    int
	Bytes      int64
}

// Merger merges partition outputs.
type Merger struct {
	remuxer        Remuxer
	keepPartitions bool
	log            zerolog.Logger
}

// New creates a merger that writes the raw concatenation to the destination.
func New(log zerolog.Logger) *Merger {
	return &Merger{log: log.With().Str("component", "merger").Logger()}
}

// SetRemuxer makes Merge pass the concatenation through r before it
// reaches the destination.
func (m *Merger) SetRemuxer(r Remuxer) *Merger {
	m.remuxer = r
	return m
}

// KeepPartitions disables deleting partition outputs after a merge.
func (m *Merger) KeepPartitions(keep bool) *Merger {
	m.keepPartitions = keep
	return m
}

// entry locates one record.
type entry struct {
	seq  uint64
	file int
	rec  chunkstore.Record
}

// index reads every record header in dir and returns them in sequence
// order after the gap and timestamp checks. expected is the number of
// chunks planned; the records must be exactly 0 through expected-1.
func index(dir string, expected int) ([]string, []entry, error) {
	files, err := chunkstore.PartitionFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no partition outputs in %s", dir)
	}

	var entries []entry
	for i, f := range files {
		headers, err := chunkstore.ReadHeaders(f)
		if err != nil {
			return nil, nil, err
		}
		for _, h := range headers {
			entries = append(entries, entry{seq: h.Seq, file: i, rec: h})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	if err := checkSequence(entries, expected); err != nil {
		return nil, nil, err
	}
	if err := checkTimestamps(entries); err != nil {
		return nil, nil, err
	}
	return files, entries, nil
}

func checkSequence(entries []entry, expected int) error {
	for i, e := range entries {
		want := uint64(i)
		switch {
		case e.seq == want:
		case i > 0 && e.seq == entries[i-1].seq:
			return fmt.Errorf("%w: duplicate sequence %d", ErrSequenceGap, e.seq)
		default:
			return fmt.Errorf("%w: missing sequence %d (next present is %d)", ErrSequenceGap, want, e.seq)
		}
	}
	switch {
	case len(entries) < expected:
		return fmt.Errorf("%w: missing sequence %d (%d of %d chunks present)", ErrSequenceGap, len(entries), len(entries), expected)
	case len(entries) > expected:
		return fmt.Errorf("%w: sequence %d beyond the %d planned chunks", ErrSequenceGap, entries[expected].seq, expected)
	}
	return nil
}

func checkTimestamps(entries []entry) error {
	last := make(map[int]int64)
	for _, e := range entries {
		for _, span := range e.rec.Spans {
			if span.LastTimestamp < span.FirstTimestamp {
				return fmt.Errorf("%w: stream %d in chunk %d ends before it starts",
					ErrTimestampOrder, span.StreamID, e.seq)
			}
			if prev, ok := last[span.StreamID]; ok && span.FirstTimestamp < prev {
				return fmt.Errorf("%w: stream %d goes back from %d to %d at chunk %d",
					ErrTimestampOrder, span.StreamID, prev, span.FirstTimestamp, e.seq)
			}
			last[span.StreamID] = span.LastTimestamp
		}
	}
	return nil
}

// Merge concatenates every record in partitionDir, in sequence order, into
// dst. expected is the number of chunks the job planned. Partition outputs
// are deleted after a successful merge unless KeepPartitions is set. dst
// is written atomically.
func (m *Merger) Merge(ctx context.Context, partitionDir, dst string, expected int) (Stats, error) {
	if _, err := os.Stat(filepath.Join(partitionDir, chunkstore.SuccessMarker)); err != nil {
		return Stats{}, fmt.Errorf("%w: %s", ErrIncomplete, partitionDir)
	}

	files, entries, err := index(partitionDir, expected)
	if err != nil {
		return Stats{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Stats{}, fmt.Errorf("creating destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".merge-*")
	if err != nil {
		return Stats{}, fmt.Errorf("creating merge output: %w", err)
	}
	defer os.Remove(tmp.Name())

	stats := Stats{Partitions: len(files), Records: len(entries)}
	stats.Bytes, err = m.copyRecords(ctx, files, entries, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing merge output: %w", cerr)
	}
	if err != nil {
		return Stats{}, err
	}

	if m.remuxer != nil {
		if err := m.remuxer.Remux(ctx, tmp.Name(), dst); err != nil {
			return Stats{}, fmt.Errorf("remuxing %s: %w", dst, err)
		}
	} else if err := os.Rename(tmp.Name(), dst); err != nil {
		return Stats{}, fmt.Errorf("moving merge output to %s: %w", dst, err)
	}

	m.log.Info().Str("dst", dst).Int("partitions", stats.Partitions).Int("records", stats.Records).
		Int64("bytes", stats.Bytes).Msg("merged partition outputs")

	if !m.keepPartitions {
		for _, f := range files {
			if err := os.Remove(f); err != nil {
				m.log.Warn().Err(err).Str("file", f).Msg("removing partition output")
			}
		}
		os.Remove(filepath.Join(partitionDir, chunkstore.SuccessMarker))
	}
	return stats, nil
}

// copyRecords streams payloads in sequence order. Each partition file is
// ascending, so the next record a file yields is always the one its next
// entry refers to.
func (m *Merger) copyRecords(ctx context.Context, files []string, entries []entry, w io.Writer) (int64, error) {
	readers := make([]*chunkstore.RecordReader, len(files))
	defer func() {
		for _, rr := range readers {
			if rr != nil {
				rr.Close()
			}
		}
	}()

	var n int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rr := readers[e.file]
		if rr == nil {
			var err error
			if rr, err = chunkstore.OpenRecordFile(files[e.file]); err != nil {
				return n, err
			}
			readers[e.file] = rr
		}
		rec, err := rr.Next()
		if err != nil {
			return n, fmt.Errorf("reading chunk %d from %s: %w", e.seq, filepath.Base(files[e.file]), err)
		}
		if rec.Seq != e.seq {
			return n, fmt.Errorf("%w: %s yielded %d, expected %d", ErrSequenceGap, filepath.Base(files[e.file]), rec.Seq, e.seq)
		}
		written, err := w.Write(rec.Payload)
		n += int64(written)
		if err != nil {
			return n, fmt.Errorf("writing chunk %d: %w", e.seq, err)
		}
	}
	return n, nil
}

// Segment is one partition output kept as a final ordered segment.
type Segment struct {
	Partition int
	Path      string
	First     uint64
	Last      uint64
	Records   int
}

// Segments returns the partition outputs of dir as ordered segments.
// Segments must cover the sequences 0 through expected-1 between them,
// and each must hold a contiguous range of its own.
func (m *Merger) Segments(dir string, expected int) ([]Segment, error) {
	files, entries, err := index(dir, expected)
	if err != nil {
		return nil, err
	}

	byFile := make(map[int]*Segment, len(files))
	for _, e := range entries {
		s, ok := byFile[e.file]
		if !ok {
			byFile[e.file] = &Segment{
				Partition: partitionOf(files[e.file]),
				Path:      files[e.file],
				First:     e.seq,
				Last:      e.seq,
				Records:   1,
			}
			continue
		}
		if e.seq != s.Last+1 {
			return nil, fmt.Errorf("%w: segment %s is not contiguous at %d", ErrSequenceGap, filepath.Base(s.Path), e.seq)
		}
		s.Last = e.seq
		s.Records++
	}

	segments := make([]Segment, 0, len(byFile))
	for _, s := range byFile {
		segments = append(segments, *s)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].First < segments[j].First })
	return segments, nil
}

func partitionOf(path string) int {
	var p int
	if _, err := fmt.Sscanf(filepath.Base(path), "part-%05d", &p); err != nil {
		return -1
	}
	return p
}

// SegmentFileName returns the name of the i-th exported segment.
func SegmentFileName(i int, ext string) string {
	return fmt.Sprintf("segment-%05d%s", i, ext)
}

// ExportSegments writes the payloads of each segment of dir into its own
// file in dstDir, named by SegmentFileName in segment order, and returns
// the written paths.
func (m *Merger) ExportSegments(ctx context.Context, dir, dstDir, ext string, expected int) ([]string, error) {
	segments, err := m.Segments(dir, expected)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}

	paths := make([]string, 0, len(segments))
	for i, s := range segments {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		path := filepath.Join(dstDir, SegmentFileName(i, ext))
		if err := exportSegment(s, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	m.log.Info().Str("dir", dstDir).Int("segments", len(paths)).Msg("exported segments")
	return paths, nil
}

func exportSegment(s Segment, path string) error {
	rr, err := chunkstore.OpenRecordFile(s.Path)
	if err != nil {
		return err
	}
	defer rr.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return fmt.Errorf("reading %s: %w", filepath.Base(s.Path), err)
		}
		if _, err := f.Write(rec.Payload); err != nil {
			f.Close()
			return fmt.Errorf("writing segment %s: %w", path, err)
		}
	}
	return f.Close()
}
