package substrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"distcoder/chunkstore"
	"distcoder/models"
	"distcoder/router"
)

const commitTaskID = "commit"

// Local runs submissions in-process: one scheduler task per partition plus
// a commit task that writes the success marker once every partition has
// committed its output.
type Local struct {
	transcoder Transcoder
	workers    int64
	retries    int
	log        zerolog.Logger
}

// NewLocal creates an in-process substrate running at most workers
// partitions concurrently and retrying a failing chunk up to retries times.
func NewLocal(t Transcoder, workers, retries int, log zerolog.Logger) *Local {
	if workers < 1 {
		workers = 1
	}
	if retries < 0 {
		retries = 0
	}
	return &Local{
		transcoder: t,
		workers:    int64(workers),
		retries:    retries,
		log:        log.With().Str("component", "substrate").Str("substrate", "local").Logger(),
	}
}

// Submit implements Substrate.
func (l *Local) Submit(ctx context.Context, sub Submission) (Status, error) {
	if err := sub.Validate(); err != nil {
		return Status{}, fmt.Errorf("invalid submission: %w", err)
	}

	store, err := chunkstore.Open(sub.ChunkDir)
	if err != nil {
		return Status{}, err
	}
	rt, err := router.FromManifest(sub.Partitions, store.Manifest())
	if err != nil {
		return Status{}, err
	}
	if err := os.MkdirAll(sub.OutputDir, 0o755); err != nil {
		return Status{}, fmt.Errorf("creating output directory: %w", err)
	}

	log := l.log.With().Str("submission", sub.ID).Str("job", sub.Job).Logger()
	assignments := rt.Assignments()
	partitions := make([]int, 0, len(assignments))
	for p := range assignments {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)

	sched := NewScheduler(
		ResourceConstraint{Type: ResourceTranscode, MaxSlots: l.workers},
		ResourceConstraint{Type: ResourceIO, MaxSlots: 1},
	)
	sched.SetProgressCallback(func(completed, total int, t *Task) {
		ev := log.Debug()
		if t.Error != nil {
			ev = log.Warn().Err(t.Error)
		}
		ev.Str("task", t.ID).Int("completed", completed).Int("total", total).Msg("task settled")
	})

	var mu sync.Mutex
	results := make(map[int]models.PartitionResult, len(partitions))
	commitDeps := make([]string, 0, len(partitions))

	for _, p := range partitions {
		p, seqs := p, assignments[p]
		id := fmt.Sprintf("partition-%05d", p)
		commitDeps = append(commitDeps, id)
		err := sched.AddTask(&Task{
			ID:       id,
			Resource: ResourceTranscode,
			Run: func(ctx context.Context) error {
				res := l.runPartition(ctx, store, sub, p, seqs, log)
				mu.Lock()
				results[p] = res
				mu.Unlock()
				return res.Error
			},
		})
		if err != nil {
			return Status{}, err
		}
	}

	err = sched.AddTask(&Task{
		ID:           commitTaskID,
		Resource:     ResourceIO,
		Dependencies: commitDeps,
		Run: func(ctx context.Context) error {
			return writeSuccessMarker(sub.OutputDir)
		},
	})
	if err != nil {
		return Status{}, err
	}

	log.Info().Int("chunks", store.Len()).Int("partitions", len(partitions)).Msg("executing submission")
	if err := sched.Execute(ctx); err != nil {
		return Status{}, err
	}

	status := Status{Success: true}
	for _, p := range partitions {
		res, ok := results[p]
		if !ok {
			res = failedPartition(p, assignments[p], ctx.Err())
		}
		status.Partitions = append(status.Partitions, res)
		if !res.Success {
			status.Success = false
		}
	}

	commit := sched.tasks[commitTaskID]
	if status.Success && commit.Status != TaskCompleted {
		status.Success = false
		err := commit.Error
		removePartitions(sub.OutputDir)
		return status, fmt.Errorf("committing %s: %w", sub.OutputDir, err)
	}
	if !status.Success {
		removePartitions(sub.OutputDir)
		failed := status.Failed()
		return status, fmt.Errorf("%w: %d of %d partitions: partition %d: %v",
			ErrPartitionFailed, len(failed), len(status.Partitions), failed[0].Partition, failed[0].Error)
	}
	return status, nil
}

// runPartition transcodes the chunks of one partition into its record file.
func (l *Local) runPartition(ctx context.Context, store *chunkstore.Store, sub Submission, p int, seqs []uint64, log zerolog.Logger) models.PartitionResult {
	log = log.With().Int("partition", p).Logger()

	sess, err := l.transcoder.NewSession(ctx, sub.Params)
	if err != nil {
		return failedPartition(p, seqs, fmt.Errorf("opening session: %w", err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("closing session")
		}
	}()

	path := filepath.Join(sub.OutputDir, chunkstore.PartitionFileName(p))
	w, err := chunkstore.CreateRecordFile(path)
	if err != nil {
		return failedPartition(p, seqs, err)
	}

	for _, seq := range seqs {
		chunk, err := store.ReadChunk(seq)
		if err != nil {
			w.Abort()
			return failedPartition(p, seqs, err)
		}
		payload, err := l.transcode(ctx, sess, chunk, log)
		if err != nil {
			w.Abort()
			return failedPartition(p, seqs, fmt.Errorf("chunk %d: %w", seq, err))
		}
		if err := w.Write(chunkstore.Record{Seq: seq, Spans: chunk.Spans(), Payload: payload}); err != nil {
			w.Abort()
			return failedPartition(p, seqs, err)
		}
	}

	if err := w.Commit(); err != nil {
		return failedPartition(p, seqs, err)
	}
	log.Debug().Int("chunks", len(seqs)).Str("output", path).Msg("partition committed")

	res, err := models.NewPartitionSuccess(p, seqs, path)
	if err != nil {
		return failedPartition(p, seqs, err)
	}
	return *res
}

// transcode runs one chunk, retrying up to l.retries extra times.
func (l *Local) transcode(ctx context.Context, sess Session, chunk *models.Chunk, log zerolog.Logger) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := sess.Transcode(ctx, chunk)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Warn().Err(err).Uint64("seq", chunk.Sequence).Int("attempt", attempt+1).
			Int("max_attempts", l.retries+1).Msg("chunk transcode failed")
	}
	return nil, fmt.Errorf("after %d attempts: %w", l.retries+1, lastErr)
}

func writeSuccessMarker(dir string) error {
	return os.WriteFile(filepath.Join(dir, chunkstore.SuccessMarker), nil, 0o644)
}

// removePartitions deletes committed and partial partition files.
func removePartitions(dir string) {
	files, _ := filepath.Glob(filepath.Join(dir, "part-*"))
	for _, f := range files {
		os.Remove(f)
	}
}
