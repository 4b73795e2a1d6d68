package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"distcoder/chunker"
	"distcoder/chunkstore"
	"distcoder/demux"
	"distcoder/models"
	"distcoder/substrate"
	"distcoder/telemetry"
)

// job is the state of one definition while it moves through the stages.
type job struct {
	o     *Orchestrator
	rec   *telemetry.Recorder
	runID string
	index int
	name  string
	def   models.JobDefinition
	log   zerolog.Logger

	stage   Stage
	workDir string
	chunks  int
}

func (j *job) fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Job: j.name, Err: err}
}

func (j *job) enter(stage Stage) {
	j.stage = stage
	j.log.Debug().Str("stage", string(stage)).Msg("stage started")
}

// run walks the stages in order. Stage end marks are recorded only when
// the stage completes.
func (j *job) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = j.fail(j.stage, fmt.Errorf("panic: %v", r))
		}
	}()

	j.enter(StageClassify)
	def, err := j.o.opts.Prepare(j.def)
	if err != nil {
		return j.fail(StageClassify, err)
	}
	j.def = def
	j.log = j.log.With().Str("input_class", string(def.InputClass)).
		Str("output_class", string(def.OutputClass)).Logger()

	if def.InputClass == models.InputRemoteRaw {
		j.enter(StagePreflight)
		j.preflight(ctx)
	}

	j.enter(StageOutputCheck)
	if err := j.checkOutput(ctx); err != nil {
		return j.fail(StageOutputCheck, err)
	}

	j.workDir = filepath.Join(j.o.opts.StagingDir, j.runID, fmt.Sprintf("job-%03d", j.index))
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return j.fail(StageStageIn, fmt.Errorf("creating work directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(j.workDir); err != nil {
			j.log.Warn().Err(err).Str("dir", j.workDir).Msg("removing work directory")
		}
	}()

	chunkDir := def.Input
	cleanup := func() {}
	if def.InputClass != models.InputPreChunked {
		source := def.Input
		if def.InputClass == models.InputLocalRaw {
			j.enter(StageStageIn)
			if source, err = j.stageIn(ctx); err != nil {
				return j.fail(StageStageIn, err)
			}
		}

		chunkDir = filepath.Join(j.workDir, "chunks")
		var once sync.Once
		cleanup = func() {
			once.Do(func() {
				j.enter(StageCleanup)
				if err := chunkstore.Remove(chunkDir); err != nil {
					j.log.Warn().Err(err).Msg("cleaning up chunk store")
				}
			})
		}
		defer cleanup()

		j.enter(StageDemux)
		if err := j.demux(ctx, source, chunkDir); err != nil {
			return j.fail(StageDemux, err)
		}
	}

	j.enter(StageExecute)
	outDir, err := j.execute(ctx, chunkDir)
	cleanup()
	if err != nil {
		return j.fail(StageExecute, err)
	}

	j.enter(StageMerge)
	staged, err := j.assemble(ctx, outDir)
	if err != nil {
		return j.fail(StageMerge, err)
	}

	j.enter(StageStageOut)
	j.rec.MarkStart(telemetry.EventRawCopyOut)
	if err := j.o.deps.Stager.Copy(ctx, staged, def.Output, true); err != nil {
		return j.fail(StageStageOut, err)
	}
	j.rec.MarkEnd(telemetry.EventRawCopyOut)

	j.enter(StageFinalize)
	if err := j.o.deps.Stager.SetPermissions(def.Output); err != nil {
		return j.fail(StageFinalize, fmt.Errorf("setting permissions on %s: %w", def.Output, err))
	}
	return nil
}

// preflight warns about remote inputs large enough to make demux slow.
func (j *job) preflight(ctx context.Context) {
	threshold := j.o.opts.LargeFileThreshold
	if threshold <= 0 {
		return
	}
	size, err := j.o.deps.Stager.Size(ctx, j.def.Input)
	if err != nil {
		j.log.Debug().Err(err).Msg("input size unknown, skipping pre-flight check")
		return
	}
	if size > threshold {
		j.log.Warn().Int64("bytes", size).Int64("threshold", threshold).
			Msg("remote input is large, demux will be slow")
	}
}

// checkOutput guards existing destinations. With overwrite on, the old
// output is removed before any work starts.
func (j *job) checkOutput(ctx context.Context) error {
	exists, err := j.o.deps.Stager.Exists(ctx, j.def.Output)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if !j.def.Overwrite {
		return fmt.Errorf("%w: %s", ErrOutputExists, j.def.Output)
	}
	j.log.Info().Str("output", j.def.Output).Msg("removing existing output")
	return j.o.deps.Stager.Remove(ctx, j.def.Output)
}

func (j *job) stageIn(ctx context.Context) (string, error) {
	dst := filepath.Join(j.workDir, "input"+filepath.Ext(j.def.Input))
	j.rec.MarkStart(telemetry.EventRawCopyIn)
	if err := j.o.deps.Stager.Copy(ctx, j.def.Input, dst, false); err != nil {
		return "", err
	}
	j.rec.MarkEnd(telemetry.EventRawCopyIn)
	return dst, nil
}

// demux plans source into a new chunk store at dir.
func (j *job) demux(ctx context.Context, source, dir string) error {
	j.rec.MarkStart(telemetry.EventDemux)

	h, err := demux.Open(ctx, j.o.deps.Engine, source, demux.WithLogger(j.log))
	if err != nil {
		return err
	}
	defer h.Close()

	w, err := chunkstore.Create(dir)
	if err != nil {
		return err
	}
	w.SetSource(source, h.StreamCount(), j.def.ChunkBytes)
	w.SetCodecs(h.Codecs())

	stats, err := chunker.NewPlanner().
		SetMaxChunkBytes(j.def.ChunkBytes).
		SetSourcePath(source).
		SetLogger(j.log).
		Plan(ctx, h, w.WriteChunk)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	ev := j.log.Info()
	if stats.Oversized > 0 || stats.Misaligned > 0 {
		ev = j.log.Warn()
	}
	ev.Int("chunks", stats.Chunks).Int64("packets", stats.Packets).Int64("bytes", stats.Bytes).
		Int("oversized", stats.Oversized).Int("misaligned", stats.Misaligned).Msg("demuxed input")
	j.rec.MarkEnd(telemetry.EventDemux)
	return nil
}

// execute submits the chunk store and returns the directory holding the
// partition outputs.
func (j *job) execute(ctx context.Context, chunkDir string) (string, error) {
	store, err := chunkstore.Open(chunkDir)
	if err != nil {
		return "", err
	}
	m := store.Manifest()
	j.chunks = store.Len()
	j.rec.LogClusterDetails(telemetry.ClusterDetails{
		Substrate:   j.o.opts.SubstrateName,
		Partitions:  j.o.opts.Partitions,
		Workers:     j.o.opts.Workers,
		InputBytes:  m.TotalBytes(),
		ChunkBytes:  m.MaxChunkBytes,
		StreamCount: m.StreamCount,
	})

	outDir := filepath.Join(j.workDir, "output")
	j.rec.MarkStart(telemetry.EventDistributedExecution)
	status, err := j.o.deps.Substrate.Submit(ctx, substrate.Submission{
		ID:         fmt.Sprintf("%s-%03d", j.runID, j.index),
		Job:        j.name,
		ChunkDir:   chunkDir,
		OutputDir:  outDir,
		Params:     j.def.Params,
		Partitions: j.o.opts.Partitions,
	})
	j.streamProgress(m, status)
	if err == nil && !status.Success {
		err = substrate.ErrPartitionFailed
	}
	if err != nil {
		return "", err
	}
	j.rec.MarkEnd(telemetry.EventDistributedExecution)
	return outDir, nil
}

// streamProgress records, per stream, how many of its chunks were
// transcoded by successful partitions.
func (j *job) streamProgress(m *chunkstore.Manifest, status substrate.Status) {
	total := make([]int, m.StreamCount)
	done := make([]int, m.StreamCount)
	for _, c := range m.Chunks {
		for _, s := range c.Streams {
			if s >= 0 && s < len(total) {
				total[s]++
			}
		}
	}
	for _, p := range status.Partitions {
		if !p.Success {
			continue
		}
		for _, seq := range p.Sequences {
			if seq >= uint64(len(m.Chunks)) {
				continue
			}
			for _, s := range m.Chunks[seq].Streams {
				if s >= 0 && s < len(done) {
					done[s]++
				}
			}
		}
	}
	for s := range total {
		j.rec.StreamProgress(s, done[s], total[s])
	}
}

// assemble turns the partition outputs into what gets staged out: one
// merged file, or a directory of ordered segments.
func (j *job) assemble(ctx context.Context, outDir string) (string, error) {
	if j.def.OutputClass == models.OutputSegments {
		dir := filepath.Join(j.workDir, "segments")
		paths, err := j.o.deps.Merger.ExportSegments(ctx, outDir, dir, j.o.opts.SegmentExt, j.chunks)
		if err != nil {
			return "", err
		}
		j.log.Info().Int("segments", len(paths)).Msg("exported segments")
		return dir, nil
	}

	merged := filepath.Join(j.workDir, "merged"+filepath.Ext(j.def.Output))
	j.rec.MarkStart(telemetry.EventMerge)
	if _, err := j.o.deps.Merger.Merge(ctx, outDir, merged, j.chunks); err != nil {
		return "", err
	}
	if err := os.RemoveAll(outDir); err != nil {
		j.log.Warn().Err(err).Msg("removing partition outputs")
	}
	j.rec.MarkEnd(telemetry.EventMerge)
	return merged, nil
}
