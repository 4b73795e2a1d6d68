package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"distcoder/chunkstore"
	"distcoder/models"
)

// writeStore stages n single-packet chunks and returns them.
func writeStore(t *testing.T, dir string, n int) []*models.Chunk {
	t.Helper()
	w, err := chunkstore.Create(dir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w.SetSource("input.mkv", 2, 1<<20)

	var chunks []*models.Chunk
	for i := 0; i < n; i++ {
		c, err := models.NewChunk(uint64(i), []models.Packet{
			{StreamID: 0, SplitPoint: true, Timestamp: int64(i) * 1000, Duration: 1000, Data: []byte{byte(i), 0xAA}},
			{StreamID: 1, SplitPoint: true, Timestamp: int64(i) * 1000, Duration: 1000, Data: []byte{0xBB}},
		})
		if err != nil {
			t.Fatalf("NewChunk failed: %v", err)
		}
		if err := w.WriteChunk(c); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
		chunks = append(chunks, c)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return chunks
}

// readOutputs returns every record across the partition files in order.
func readOutputs(t *testing.T, dir string) []chunkstore.Record {
	t.Helper()
	files, err := chunkstore.PartitionFiles(dir)
	if err != nil {
		t.Fatalf("PartitionFiles failed: %v", err)
	}
	var out []chunkstore.Record
	for _, f := range files {
		rr, err := chunkstore.OpenRecordFile(f)
		if err != nil {
			t.Fatalf("OpenRecordFile failed: %v", err)
		}
		for {
			rec, err := rr.Next()
			if err != nil {
				break
			}
			out = append(out, rec)
		}
		rr.Close()
	}
	return out
}

// flakyTranscoder fails the first failures attempts on chunk failSeq.
type flakyTranscoder struct {
	mu       sync.Mutex
	failSeq  uint64
	failures int
	attempts int
	sessions int
}

func (f *flakyTranscoder) NewSession(ctx context.Context, params models.TranscodeParams) (Session, error) {
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	return &flakySession{f: f}, nil
}

type flakySession struct{ f *flakyTranscoder }

func (s *flakySession) Transcode(ctx context.Context, chunk *models.Chunk) ([]byte, error) {
	if chunk.Sequence == s.f.failSeq {
		s.f.mu.Lock()
		s.f.attempts++
		fail := s.f.attempts <= s.f.failures
		s.f.mu.Unlock()
		if fail {
			return nil, fmt.Errorf("codec error on chunk %d", chunk.Sequence)
		}
	}
	return copySession{}.Transcode(ctx, chunk)
}

func (s *flakySession) Close() error { return nil }

func TestLocal_Submit(t *testing.T) {
	tests := []struct {
		name       string
		chunks     int
		partitions int
		wantFiles  int
	}{
		{"Even split", 6, 3, 3},
		{"Single partition", 4, 1, 1},
		{"More partitions than chunks", 2, 5, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			chunkDir := filepath.Join(root, "chunks")
			outDir := filepath.Join(root, "out")
			chunks := writeStore(t, chunkDir, tt.chunks)

			local := NewLocal(Copy{}, 2, 0, zerolog.Nop())
			status, err := local.Submit(context.Background(), Submission{
				ID: "sub-1", Job: "job", ChunkDir: chunkDir, OutputDir: outDir, Partitions: tt.partitions,
			})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if !status.Success {
				t.Fatal("Expected successful status")
			}
			if len(status.Partitions) != tt.wantFiles {
				t.Errorf("Expected %d partition results, got %d", tt.wantFiles, len(status.Partitions))
			}

			files, _ := chunkstore.PartitionFiles(outDir)
			if len(files) != tt.wantFiles {
				t.Errorf("Expected %d partition files, got %d", tt.wantFiles, len(files))
			}
			if _, err := os.Stat(filepath.Join(outDir, chunkstore.SuccessMarker)); err != nil {
				t.Errorf("Expected success marker: %v", err)
			}

			records := readOutputs(t, outDir)
			if len(records) != len(chunks) {
				t.Fatalf("Expected %d records, got %d", len(chunks), len(records))
			}
			for i, rec := range records {
				if rec.Seq != uint64(i) {
					t.Errorf("Expected record %d to have seq %d, got %d", i, i, rec.Seq)
				}
				want, _ := Copy{}.NewSession(context.Background(), models.TranscodeParams{})
				payload, _ := want.Transcode(context.Background(), chunks[i])
				if !bytes.Equal(rec.Payload, payload) {
					t.Errorf("Record %d payload mismatch: expected %x, got %x", i, payload, rec.Payload)
				}
				if len(rec.Spans) != 2 {
					t.Errorf("Expected 2 spans in record %d, got %d", i, len(rec.Spans))
				}
			}
		})
	}
}

func TestLocal_Retry(t *testing.T) {
	tests := []struct {
		name     string
		retries  int
		failures int
		wantOK   bool
	}{
		{"Recovers within retries", 2, 2, true},
		{"No retries", 0, 1, false},
		{"Exhausts retries", 1, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			chunkDir := filepath.Join(root, "chunks")
			outDir := filepath.Join(root, "out")
			writeStore(t, chunkDir, 4)

			tr := &flakyTranscoder{failSeq: 2, failures: tt.failures}
			local := NewLocal(tr, 2, tt.retries, zerolog.Nop())
			status, err := local.Submit(context.Background(), Submission{
				ChunkDir: chunkDir, OutputDir: outDir, Partitions: 2,
			})

			if tt.wantOK {
				if err != nil {
					t.Fatalf("Submit failed: %v", err)
				}
				if tr.attempts != tt.failures+1 {
					t.Errorf("Expected %d attempts, got %d", tt.failures+1, tr.attempts)
				}
				return
			}

			if !errors.Is(err, ErrPartitionFailed) {
				t.Fatalf("Expected ErrPartitionFailed, got %v", err)
			}
			if status.Success {
				t.Error("Expected failed status")
			}
			if len(status.Failed()) != 1 {
				t.Errorf("Expected 1 failed partition, got %d", len(status.Failed()))
			}
			if tr.attempts != tt.retries+1 {
				t.Errorf("Expected %d attempts, got %d", tt.retries+1, tr.attempts)
			}
			files, _ := filepath.Glob(filepath.Join(outDir, "part-*"))
			if len(files) != 0 {
				t.Errorf("Expected partition files removed, found %v", files)
			}
			if _, err := os.Stat(filepath.Join(outDir, chunkstore.SuccessMarker)); !os.IsNotExist(err) {
				t.Error("Expected no success marker after failure")
			}
		})
	}
}

func TestLocal_InvalidSubmission(t *testing.T) {
	local := NewLocal(Copy{}, 1, 0, zerolog.Nop())
	tests := []struct {
		name string
		sub  Submission
	}{
		{"Missing chunk dir", Submission{OutputDir: "out", Partitions: 1}},
		{"Missing output dir", Submission{ChunkDir: "in", Partitions: 1}},
		{"No partitions", Submission{ChunkDir: "in", OutputDir: "out"}},
		{"No manifest", Submission{ChunkDir: t.TempDir(), OutputDir: t.TempDir(), Partitions: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := local.Submit(context.Background(), tt.sub); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

// chanReader is a MessageReader fed from a channel.
type chanReader struct {
	ch chan kafka.Message
}

func newChanReader() *chanReader { return &chanReader{ch: make(chan kafka.Message, 64)} }

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.ch:
		return m, nil
	}
}

func (r *chanReader) Close() error { return nil }

// funcWriter is a MessageWriter calling fn for every batch.
type funcWriter struct {
	mu   sync.Mutex
	sent []kafka.Message
	fn   func(ctx context.Context, msgs []kafka.Message) error
}

func (w *funcWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.sent = append(w.sent, msgs...)
	w.mu.Unlock()
	if w.fn != nil {
		return w.fn(ctx, msgs)
	}
	return nil
}

func (w *funcWriter) Close() error { return nil }

func TestKafka_SubmitWithWorker(t *testing.T) {
	root := t.TempDir()
	chunkDir := filepath.Join(root, "chunks")
	outDir := filepath.Join(root, "out")
	chunks := writeStore(t, chunkDir, 5)

	statusTopic := newChanReader()
	statusWriter := &funcWriter{fn: func(ctx context.Context, msgs []kafka.Message) error {
		for _, m := range msgs {
			statusTopic.ch <- m
		}
		return nil
	}}
	worker := NewWorker(newChanReader(), statusWriter, Copy{}, 0, zerolog.Nop())

	// the work topic delivers straight to the worker
	bal := &RouteBalancer{}
	var topicPartitions []int
	work := &funcWriter{fn: func(ctx context.Context, msgs []kafka.Message) error {
		for _, m := range msgs {
			topicPartitions = append(topicPartitions, bal.Balance(m, 0, 1, 2))
			if err := worker.Handle(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}}

	k := NewKafka(work, statusTopic, bal, zerolog.Nop())
	status, err := k.Submit(context.Background(), Submission{
		ID: "sub-42", Job: "clip", ChunkDir: chunkDir, OutputDir: outDir, Partitions: 3,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !status.Success || len(status.Partitions) != 3 {
		t.Fatalf("Expected 3 successful partitions, got %+v", status)
	}
	for i, p := range status.Partitions {
		if p.Partition != i {
			t.Errorf("Expected partition results in order, got %d at %d", p.Partition, i)
		}
	}

	if len(work.sent) != len(chunks) {
		t.Fatalf("Expected %d work messages, got %d", len(chunks), len(work.sent))
	}
	for i := 1; i < len(topicPartitions); i++ {
		if topicPartitions[i] < topicPartitions[i-1] {
			t.Errorf("Expected non-decreasing topic partitions, got %v", topicPartitions)
		}
	}

	var wm WorkMessage
	if err := json.Unmarshal(work.sent[0].Value, &wm); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if wm.SubmissionID != "sub-42" || string(work.sent[0].Key) != "0:0" {
		t.Errorf("Unexpected first work message: key %q, %+v", work.sent[0].Key, wm)
	}

	records := readOutputs(t, outDir)
	if len(records) != len(chunks) {
		t.Errorf("Expected %d records, got %d", len(chunks), len(records))
	}
	if _, err := os.Stat(filepath.Join(outDir, chunkstore.SuccessMarker)); err != nil {
		t.Errorf("Expected success marker: %v", err)
	}
}

func TestKafka_PartitionFailure(t *testing.T) {
	root := t.TempDir()
	chunkDir := filepath.Join(root, "chunks")
	outDir := filepath.Join(root, "out")
	writeStore(t, chunkDir, 4)

	statusTopic := newChanReader()
	foreign, _ := json.Marshal(StatusMessage{SubmissionID: "other", Partition: 0, Error: "ignored"})
	statusTopic.ch <- kafka.Message{Value: foreign}
	statusTopic.ch <- kafka.Message{Value: []byte("not json")}
	failed, _ := json.Marshal(StatusMessage{SubmissionID: "sub-1", Partition: 1, Sequences: []uint64{2, 3}, Error: "encoder crashed"})
	statusTopic.ch <- kafka.Message{Value: failed}

	k := NewKafka(&funcWriter{}, statusTopic, nil, zerolog.Nop())
	status, err := k.Submit(context.Background(), Submission{
		ID: "sub-1", ChunkDir: chunkDir, OutputDir: outDir, Partitions: 2,
	})
	if !errors.Is(err, ErrPartitionFailed) {
		t.Fatalf("Expected ErrPartitionFailed, got %v", err)
	}
	if status.Success {
		t.Error("Expected failed status")
	}
	if got := status.Failed(); len(got) != 1 || got[0].Partition != 1 {
		t.Errorf("Expected partition 1 failed, got %+v", got)
	}
}

func TestKafka_ContextCancelled(t *testing.T) {
	root := t.TempDir()
	chunkDir := filepath.Join(root, "chunks")
	writeStore(t, chunkDir, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k := NewKafka(&funcWriter{}, newChanReader(), nil, zerolog.Nop())
	_, err := k.Submit(ctx, Submission{
		ID: "sub-1", ChunkDir: chunkDir, OutputDir: filepath.Join(root, "out"), Partitions: 2,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestWorker_FailureReported(t *testing.T) {
	root := t.TempDir()
	chunkDir := filepath.Join(root, "chunks")
	outDir := filepath.Join(root, "out")
	writeStore(t, chunkDir, 3)

	statusWriter := &funcWriter{}
	tr := &flakyTranscoder{failSeq: 1, failures: 10}
	worker := NewWorker(newChanReader(), statusWriter, tr, 1, zerolog.Nop())

	for seq := uint64(0); seq < 3; seq++ {
		value, _ := json.Marshal(WorkMessage{
			SubmissionID: "s", Partition: 0, Sequence: seq, Last: seq == 2,
			ChunkPath: filepath.Join(chunkDir, chunkstore.ChunkFileName(seq)), OutputDir: outDir,
		})
		if err := worker.Handle(context.Background(), kafka.Message{Value: value}); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	if len(statusWriter.sent) != 1 {
		t.Fatalf("Expected exactly 1 status message, got %d", len(statusWriter.sent))
	}
	var sm StatusMessage
	if err := json.Unmarshal(statusWriter.sent[0].Value, &sm); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if sm.Success || sm.Error == "" {
		t.Errorf("Expected failure status, got %+v", sm)
	}
	if tr.attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", tr.attempts)
	}
	files, _ := filepath.Glob(filepath.Join(outDir, "part-*"))
	if len(files) != 0 {
		t.Errorf("Expected no partition files, found %v", files)
	}
}
