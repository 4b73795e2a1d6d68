// Package chunkstore persists planned chunks between the demux stage and
// the execution substrate, and the per-partition outputs the substrate
// produces for the merger.
//
// A chunk store is a directory holding one binary file per chunk and a
// manifest.yaml describing them. Partition outputs are record files named
// part-NNNNN, each holding transcoded chunks in ascending sequence order.
package chunkstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"distcoder/models"
)

const (
	// ManifestName is the manifest file inside a chunk store.
	ManifestName = "manifest.yaml"

	manifestVersion = 1
)

// ChunkInfo describes one stored chunk.
type ChunkInfo struct {
	Seq       uint64              `yaml:"seq"`
	File      string              `yaml:"file"`
	Streams   []int               `yaml:"streams,flow"`
	SizeBytes int64               `yaml:"size_bytes"`
	Packets   int                 `yaml:"packets"`
	Spans     []models.StreamSpan `yaml:"spans"`
}

// Manifest describes a chunk store.
type Manifest struct {
	Version       int         `yaml:"version"`
	Source        string      `yaml:"source"`
	StreamCount   int         `yaml:"stream_count"`
	Codecs        []string    `yaml:"codecs,flow,omitempty"`
	MaxChunkBytes int64       `yaml:"max_chunk_bytes"`
	CreatedAt     time.Time   `yaml:"created_at"`
	Chunks        []ChunkInfo `yaml:"chunks"`
}

// TotalBytes returns the payload bytes across all chunks.
func (m *Manifest) TotalBytes() int64 {
	var n int64
	for _, c := range m.Chunks {
		n += c.SizeBytes
	}
	return n
}

// Validate checks that chunk sequences run from 0 without gaps.
func (m *Manifest) Validate() error {
	if m.Version != manifestVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	for i, c := range m.Chunks {
		if c.Seq != uint64(i) {
			return fmt.Errorf("manifest chunk %d has sequence %d", i, c.Seq)
		}
		if c.File == "" {
			return fmt.Errorf("manifest chunk %d has no file", i)
		}
	}
	return nil
}

// ChunkFileName returns the file name used for chunk seq.
func ChunkFileName(seq uint64) string {
	return fmt.Sprintf("chunk-%08d.bin", seq)
}

// Writer stores chunks as they are planned. Close writes the manifest;
// a store without a manifest is incomplete.
type Writer struct {
	dir      string
	manifest Manifest
	buf      []byte
	closed   bool
}

// Create prepares dir as a new chunk store. It fails if dir already holds one.
func Create(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk store: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		return nil, fmt.Errorf("chunk store %s already exists", dir)
	}
	return &Writer{
		dir: dir,
		manifest: Manifest{
			Version:   manifestVersion,
			CreatedAt: time.Now().UTC(),
		},
	}, nil
}

// SetSource records where the chunks came from.
func (w *Writer) SetSource(source string, streamCount int, maxChunkBytes int64) {
	w.manifest.Source = source
	w.manifest.StreamCount = streamCount
	w.manifest.MaxChunkBytes = maxChunkBytes
}

// SetCodecs records the codec of each source stream, indexed by stream ID.
// Chunks written afterwards carry the codecs of the streams they hold.
func (w *Writer) SetCodecs(codecs []string) {
	w.manifest.Codecs = append([]string(nil), codecs...)
}

// WriteChunk stores c. Chunks must arrive in sequence order.
func (w *Writer) WriteChunk(c *models.Chunk) error {
	if w.closed {
		return fmt.Errorf("chunk store %s is closed", w.dir)
	}
	if want := uint64(len(w.manifest.Chunks)); c.Sequence != want {
		return fmt.Errorf("chunk sequence %d out of order, expected %d", c.Sequence, want)
	}

	if c.Codecs == nil && len(w.manifest.Codecs) > 0 {
		c.Codecs = make(map[int]string, len(c.Streams))
		for _, id := range c.Streams {
			if id >= 0 && id < len(w.manifest.Codecs) {
				c.Codecs[id] = w.manifest.Codecs[id]
			}
		}
	}

	name := ChunkFileName(c.Sequence)
	buf, err := encodeChunk(w.buf[:0], c)
	if err != nil {
		return err
	}
	w.buf = buf
	if err := os.WriteFile(filepath.Join(w.dir, name), w.buf, 0o644); err != nil {
		return fmt.Errorf("writing chunk %d: %w", c.Sequence, err)
	}

	w.manifest.Chunks = append(w.manifest.Chunks, ChunkInfo{
		Seq:       c.Sequence,
		File:      name,
		Streams:   append([]int(nil), c.Streams...),
		SizeBytes: c.SizeBytes,
		Packets:   len(c.Packets),
		Spans:     c.Spans(),
	})
	return nil
}

// Len returns the number of chunks written so far.
func (w *Writer) Len() int { return len(w.manifest.Chunks) }

// Close writes the manifest atomically.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	data, err := yaml.Marshal(&w.manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmp := filepath.Join(w.dir, ManifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, ManifestName)); err != nil {
		return fmt.Errorf("committing manifest: %w", err)
	}
	return nil
}

// Store is a completed chunk store opened for reading.
type Store struct {
	dir      string
	manifest *Manifest
}

// Open reads the manifest of the chunk store in dir.
func Open(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest in %s: %w", dir, err)
	}
	return &Store{dir: dir, manifest: &m}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Manifest returns the store manifest.
func (s *Store) Manifest() *Manifest { return s.manifest }

// Len returns the number of chunks.
func (s *Store) Len() int { return len(s.manifest.Chunks) }

// ChunkPath returns the path of chunk seq.
func (s *Store) ChunkPath(seq uint64) (string, error) {
	if seq >= uint64(len(s.manifest.Chunks)) {
		return "", fmt.Errorf("chunk %d not in store (%d chunks)", seq, len(s.manifest.Chunks))
	}
	return filepath.Join(s.dir, s.manifest.Chunks[seq].File), nil
}

// ReadChunk loads chunk seq with its packets.
func (s *Store) ReadChunk(seq uint64) (*models.Chunk, error) {
	path, err := s.ChunkPath(seq)
	if err != nil {
		return nil, err
	}
	return ReadChunkFile(path)
}

// ReadChunkFile loads a chunk file written by a Writer.
func ReadChunkFile(path string) (*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening chunk: %w", err)
	}
	defer f.Close()

	c, err := decodeChunk(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Remove deletes a chunk store directory and everything in it.
func Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing chunk store %s: %w", dir, err)
	}
	return nil
}
