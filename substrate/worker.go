package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"distcoder/chunkstore"
	"distcoder/models"
)

// Worker is the remote side of the Kafka substrate. It consumes work
// messages, transcodes each chunk and appends it to its partition file,
// and publishes a StatusMessage once a partition has committed or failed.
//
// A partition's chunks arrive on one topic partition in sequence order, so
// the worker only needs one open record file per execution partition.
type Worker struct {
	work       MessageReader
	status     MessageWriter
	transcoder Transcoder
	retries    int
	log        zerolog.Logger

	open   map[partitionKey]*partitionRun
	failed map[partitionKey]bool
}

type partitionKey struct {
	submission string
	partition  int
}

type partitionRun struct {
	sess Session
	w    *chunkstore.RecordWriter
	path string
	seqs []uint64
}

// NewWorker creates a worker.
func NewWorker(work MessageReader, status MessageWriter, t Transcoder, retries int, log zerolog.Logger) *Worker {
	if retries < 0 {
		retries = 0
	}
	return &Worker{
		work:       work,
		status:     status,
		transcoder: t,
		retries:    retries,
		log:        log.With().Str("component", "worker").Logger(),
		open:       make(map[partitionKey]*partitionRun),
		failed:     make(map[partitionKey]bool),
	}
}

// Run consumes work until ctx ends or the reader fails. Partitions still
// open when Run returns are aborted.
func (w *Worker) Run(ctx context.Context) error {
	defer w.abortAll()
	for {
		msg, err := w.work.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading work: %w", err)
		}
		if err := w.Handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle processes one work message. Chunk failures are reported on the
// status topic; the returned error covers only publishing failures.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	var wm WorkMessage
	if err := json.Unmarshal(msg.Value, &wm); err != nil {
		w.log.Warn().Err(err).Str("key", string(msg.Key)).Msg("skipping malformed work message")
		return nil
	}
	key := partitionKey{submission: wm.SubmissionID, partition: wm.Partition}
	if w.failed[key] {
		return nil
	}
	log := w.log.With().Str("submission", wm.SubmissionID).Int("partition", wm.Partition).
		Uint64("seq", wm.Sequence).Logger()

	run, err := w.process(ctx, key, wm)
	if err != nil {
		log.Error().Err(err).Msg("partition failed")
		w.failed[key] = true
		seqs := []uint64{wm.Sequence}
		if run != nil {
			seqs = append(run.seqs, wm.Sequence)
		}
		return w.publish(ctx, StatusMessage{
			SubmissionID: wm.SubmissionID,
			Partition:    wm.Partition,
			Sequences:    seqs,
			Error:        err.Error(),
		})
	}
	if !wm.Last {
		return nil
	}

	delete(w.open, key)
	run.sess.Close()
	if err := run.w.Commit(); err != nil {
		w.failed[key] = true
		return w.publish(ctx, StatusMessage{
			SubmissionID: wm.SubmissionID,
			Partition:    wm.Partition,
			Sequences:    run.seqs,
			Error:        err.Error(),
		})
	}
	log.Info().Int("chunks", len(run.seqs)).Msg("partition committed")
	return w.publish(ctx, StatusMessage{
		SubmissionID: wm.SubmissionID,
		Partition:    wm.Partition,
		Sequences:    run.seqs,
		OutputPath:   run.path,
		Success:      true,
	})
}

// process transcodes one chunk into its partition file. On failure the
// partition run is aborted and returned for reporting.
func (w *Worker) process(ctx context.Context, key partitionKey, wm WorkMessage) (*partitionRun, error) {
	run, ok := w.open[key]
	if !ok {
		if err := os.MkdirAll(wm.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
		sess, err := w.transcoder.NewSession(ctx, wm.Params)
		if err != nil {
			return nil, fmt.Errorf("opening session: %w", err)
		}
		path := filepath.Join(wm.OutputDir, chunkstore.PartitionFileName(wm.Partition))
		rw, err := chunkstore.CreateRecordFile(path)
		if err != nil {
			sess.Close()
			return nil, err
		}
		run = &partitionRun{sess: sess, w: rw, path: path}
		w.open[key] = run
	}

	fail := func(err error) (*partitionRun, error) {
		delete(w.open, key)
		run.w.Abort()
		run.sess.Close()
		return run, err
	}

	chunk, err := chunkstore.ReadChunkFile(wm.ChunkPath)
	if err != nil {
		return fail(err)
	}
	payload, err := w.transcode(ctx, run.sess, chunk)
	if err != nil {
		return fail(fmt.Errorf("chunk %d: %w", wm.Sequence, err))
	}
	if err := run.w.Write(chunkstore.Record{Seq: wm.Sequence, Spans: chunk.Spans(), Payload: payload}); err != nil {
		return fail(err)
	}
	run.seqs = append(run.seqs, wm.Sequence)
	return run, nil
}

func (w *Worker) transcode(ctx context.Context, sess Session, chunk *models.Chunk) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		out, err := sess.Transcode(ctx, chunk)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", w.retries+1, lastErr)
}

func (w *Worker) publish(ctx context.Context, sm StatusMessage) error {
	value, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := w.status.WriteMessages(ctx, kafka.Message{Key: []byte(sm.SubmissionID), Value: value}); err != nil {
		return fmt.Errorf("publishing status: %w", err)
	}
	return nil
}

func (w *Worker) abortAll() {
	for key, run := range w.open {
		run.w.Abort()
		run.sess.Close()
		delete(w.open, key)
	}
}
