// Package router assigns chunks to execution partitions.
//
// Partitions own contiguous, byte-balanced ranges of the chunk sequence.
// Because ranges follow sequence order, each stream's chunks land in
// partitions in non-decreasing order, and the partition outputs read in
// partition order are already in chunk order. This is what lets the merger
// reassemble a stream that was transcoded out of order.
package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"distcoder/chunkstore"
)

// Range is the contiguous sequence range [First, Last] owned by a partition.
type Range struct {
	Partition int
	First     uint64
	Last      uint64
}

// Router maps (streamID, sequence) pairs to partitions.
type Router struct {
	partitions int
	// bounds[p] is the exclusive upper sequence bound of partition p
	bounds []uint64
}

// New builds a router over chunks of the given sizes. When there are
// fewer chunks than partitions, the surplus partitions stay empty.
func New(partitions int, sizes []int64) (*Router, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("partitions must be at least 1, got %d", partitions)
	}

	n := len(sizes)
	effective := min(partitions, n)

	var total int64
	for i, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("chunk %d has negative size %d", i, s)
		}
		total += s
	}

	r := &Router{partitions: partitions}
	var cum int64
	p := 0
	for i, s := range sizes {
		cum += s
		remainingChunks := n - (i + 1)
		remainingParts := effective - (p + 1)
		if p >= effective-1 {
			break
		}
		if cum*int64(effective) >= total*int64(p+1) || remainingChunks == remainingParts {
			r.bounds = append(r.bounds, uint64(i+1))
			p++
		}
	}
	if n > 0 {
		r.bounds = append(r.bounds, uint64(n))
	}
	return r, nil
}

// FromManifest builds a router for the chunks of a chunk store.
func FromManifest(partitions int, m *chunkstore.Manifest) (*Router, error) {
	sizes := make([]int64, len(m.Chunks))
	for i, c := range m.Chunks {
		sizes[i] = c.SizeBytes
	}
	return New(partitions, sizes)
}

// Partitions returns the configured partition count.
func (r *Router) Partitions() int { return r.partitions }

// Partition returns the partition for the chunk (streamID, seq).
//
// streamID is part of the key so callers can route any chunk of any
// stream; with range assignment it never changes the result, which is what
// keeps a multi-stream chunk in one place. Sequences beyond the planned
// chunks fall back to seq modulo the partition count.
func (r *Router) Partition(streamID int, seq uint64) int {
	if len(r.bounds) == 0 || seq >= r.bounds[len(r.bounds)-1] {
		return int(seq % uint64(r.partitions))
	}
	return sort.Search(len(r.bounds), func(i int) bool { return seq < r.bounds[i] })
}

// Ranges returns the non-empty partition ranges in partition order.
func (r *Router) Ranges() []Range {
	out := make([]Range, 0, len(r.bounds))
	var first uint64
	for p, end := range r.bounds {
		out = append(out, Range{Partition: p, First: first, Last: end - 1})
		first = end
	}
	return out
}

// Assignments returns the sequences assigned to each non-empty partition,
// ascending within each partition.
func (r *Router) Assignments() map[int][]uint64 {
	out := make(map[int][]uint64, len(r.bounds))
	for _, rg := range r.Ranges() {
		seqs := make([]uint64, 0, rg.Last-rg.First+1)
		for s := rg.First; s <= rg.Last; s++ {
			seqs = append(seqs, s)
		}
		out[rg.Partition] = seqs
	}
	return out
}

// MessageKey encodes a chunk key for transport.
func MessageKey(streamID int, seq uint64) []byte {
	return []byte(strconv.Itoa(streamID) + ":" + strconv.FormatUint(seq, 10))
}

// ParseMessageKey decodes a key produced by MessageKey.
func ParseMessageKey(key []byte) (int, uint64, error) {
	stream, seq, ok := strings.Cut(string(key), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed chunk key %q", key)
	}
	id, err := strconv.Atoi(stream)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed stream in key %q: %w", key, err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed sequence in key %q: %w", key, err)
	}
	return id, n, nil
}

// Balance implements kafka.Balancer so chunk messages land on the topic
// partition matching their execution partition.
func (r *Router) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	stream, seq, err := ParseMessageKey(msg.Key)
	if err != nil {
		return partitions[0]
	}
	return partitions[r.Partition(stream, seq)%len(partitions)]
}

var _ kafka.Balancer = (*Router)(nil)
