package router

import (
	"testing"

	"github.com/segmentio/kafka-go"

	"distcoder/chunkstore"
)

func TestNew_Errors(t *testing.T) {
	if _, err := New(0, []int64{1}); err == nil {
		t.Error("Expected error for zero partitions")
	}
	if _, err := New(2, []int64{1, -1}); err == nil {
		t.Error("Expected error for negative size")
	}
}

func TestRanges_Balanced(t *testing.T) {
	r, err := New(3, []int64{10, 10, 10, 10, 10, 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	want := []Range{
		{Partition: 0, First: 0, Last: 1},
		{Partition: 1, First: 2, Last: 3},
		{Partition: 2, First: 4, Last: 5},
	}
	got := r.Ranges()
	if len(got) != len(want) {
		t.Fatalf("Expected %d ranges, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestRanges_WeightedBySize(t *testing.T) {
	r, err := New(2, []int64{100, 10, 10, 10, 10, 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got := r.Ranges()
	if len(got) != 2 || got[0].Last != 0 {
		t.Errorf("Expected the large first chunk alone in partition 0, got %+v", got)
	}
}

func TestRanges_FewerChunksThanPartitions(t *testing.T) {
	r, err := New(8, []int64{5, 5, 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got := r.Ranges()
	if len(got) != 3 {
		t.Fatalf("Expected 3 non-empty partitions, got %d", len(got))
	}
	for i, rg := range got {
		if rg.First != uint64(i) || rg.Last != uint64(i) {
			t.Errorf("range %d: expected single chunk, got %+v", i, rg)
		}
	}
}

func TestRanges_ZeroSizedChunks(t *testing.T) {
	r, err := New(2, []int64{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	assigned := 0
	for _, seqs := range r.Assignments() {
		assigned += len(seqs)
	}
	if assigned != 4 {
		t.Errorf("Expected all 4 chunks assigned, got %d", assigned)
	}
}

func TestPartition_DeterministicAndOrdered(t *testing.T) {
	sizes := make([]int64, 50)
	for i := range sizes {
		sizes[i] = int64(100 + (i*37)%90)
	}
	r, err := New(4, sizes)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	prev := 0
	for seq := uint64(0); seq < 50; seq++ {
		for _, stream := range []int{0, 1, 7} {
			a := r.Partition(stream, seq)
			b := r.Partition(stream, seq)
			if a != b {
				t.Fatalf("Partition(%d, %d) not deterministic: %d vs %d", stream, seq, a, b)
			}
			if a < prev {
				t.Fatalf("seq %d routed to partition %d after partition %d", seq, a, prev)
			}
			if a < 0 || a >= 4 {
				t.Fatalf("partition %d out of range", a)
			}
		}
		prev = r.Partition(0, seq)
	}
}

func TestPartition_OutsidePlan(t *testing.T) {
	r, _ := New(4, []int64{1, 1})
	if got := r.Partition(0, 10); got != 2 {
		t.Errorf("Expected modulo fallback 2, got %d", got)
	}

	empty, _ := New(3, nil)
	if got := empty.Partition(1, 4); got != 1 {
		t.Errorf("Expected modulo fallback 1, got %d", got)
	}
}

func TestAssignments(t *testing.T) {
	r, _ := New(2, []int64{1, 1, 1})
	a := r.Assignments()
	if len(a[0]) == 0 || len(a[1]) == 0 || len(a[0])+len(a[1]) != 3 {
		t.Errorf("Unexpected assignments %v", a)
	}
	for p, seqs := range a {
		for _, s := range seqs {
			if r.Partition(0, s) != p {
				t.Errorf("seq %d listed under partition %d but routes to %d", s, p, r.Partition(0, s))
			}
		}
	}
}

func TestFromManifest(t *testing.T) {
	m := &chunkstore.Manifest{Chunks: []chunkstore.ChunkInfo{{Seq: 0, SizeBytes: 5}, {Seq: 1, SizeBytes: 5}}}
	r, err := FromManifest(2, m)
	if err != nil {
		t.Fatalf("FromManifest failed: %v", err)
	}
	if r.Partition(0, 0) != 0 || r.Partition(0, 1) != 1 {
		t.Errorf("Unexpected routing %v", r.Ranges())
	}
}

func TestMessageKey(t *testing.T) {
	stream, seq, err := ParseMessageKey(MessageKey(3, 1234))
	if err != nil || stream != 3 || seq != 1234 {
		t.Errorf("Expected (3, 1234), got (%d, %d, %v)", stream, seq, err)
	}

	for _, bad := range []string{"", "3", "x:1", "1:y"} {
		if _, _, err := ParseMessageKey([]byte(bad)); err == nil {
			t.Errorf("Expected error for key %q", bad)
		}
	}
}

func TestBalance(t *testing.T) {
	r, _ := New(2, []int64{1, 1, 1, 1})
	topicPartitions := []int{10, 11}

	if got := r.Balance(kafka.Message{Key: MessageKey(0, 0)}, topicPartitions...); got != 10 {
		t.Errorf("Expected topic partition 10, got %d", got)
	}
	if got := r.Balance(kafka.Message{Key: MessageKey(1, 3)}, topicPartitions...); got != 11 {
		t.Errorf("Expected topic partition 11, got %d", got)
	}
	if got := r.Balance(kafka.Message{Key: []byte("garbage")}, topicPartitions...); got != 10 {
		t.Errorf("Expected fallback to first partition, got %d", got)
	}
	if got := r.Balance(kafka.Message{}); got != 0 {
		t.Errorf("Expected 0 with no partitions, got %d", got)
	}
}
