// Package orchestrator drives a run of job definitions through the
// transcode pipeline.
//
// Jobs run one at a time. Each job stages its input, demuxes it into a
// chunk store, submits the store to the execution substrate and assembles
// the partition outputs into its destination. A failing job is recorded in
// the run report and the run moves on to the next definition; only errors
// outside the per-job loop end the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"distcoder/demux"
	"distcoder/merger"
	"distcoder/models"
	"distcoder/substrate"
	"distcoder/telemetry"
)

// Stage names a step of the per-job pipeline.
type Stage string

const (
	StageClassify    Stage = "classify"
	StagePreflight   Stage = "preflight"
	StageOutputCheck Stage = "output-check"
	StageStageIn     Stage = "stage-in"
	StageDemux       Stage = "demux"
	StageExecute     Stage = "execute"
	StageCleanup     Stage = "cleanup"
	StageMerge       Stage = "merge"
	StageStageOut    Stage = "stage-out"
	StageFinalize    Stage = "finalize"
)

// ErrOutputExists is returned for a job whose destination exists while its
// overwrite flag is off. Such jobs are reported as skipped.
var ErrOutputExists = errors.New("output already exists")

// StageError ties a job failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Job   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("job %q: %s: %v", e.Job, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stager moves inputs and outputs between their locators and local staging.
type Stager interface {
	Copy(ctx context.Context, src, dst string, overwrite bool) error
	Exists(ctx context.Context, loc string) (bool, error)
	Size(ctx context.Context, loc string) (int64, error)
	Remove(ctx context.Context, loc string) error
	SetPermissions(loc string) error
}

// ChunkMerger assembles the partition outputs of a submission.
type ChunkMerger interface {
	Merge(ctx context.Context, partitionDir, dst string, expected int) (merger.Stats, error)
	ExportSegments(ctx context.Context, dir, dstDir, ext string, expected int) ([]string, error)
}

// Ledger persists run and job outcomes.
type Ledger interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	RecordJob(ctx context.Context, runID string, res models.JobResult) error
	FinishRun(ctx context.Context, report *models.RunReport) error
}

// JobSource loads the ordered job definitions of a run.
type JobSource func(ctx context.Context) ([]models.JobDefinition, error)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Engine    demux.Engine
	Substrate substrate.Substrate
	Stager    Stager
	Merger    ChunkMerger
	Telemetry telemetry.Store // nil keeps timings in memory
	Ledger    Ledger          // optional
	Log       zerolog.Logger
}

// Options tune how jobs are executed.
type Options struct {
	StagingDir         string
	Partitions         int
	Workers            int
	SubstrateName      string
	LargeFileThreshold int64
	// SegmentExt is the file extension of exported segments.
	SegmentExt string
	// Prepare defaults and validates each definition before it runs. When
	// nil, definitions are only validated.
	Prepare func(models.JobDefinition) (models.JobDefinition, error)
}

// Orchestrator executes runs.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewMemoryStore()
	}
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.SegmentExt == "" {
		opts.SegmentExt = ".ts"
	}
	if opts.Prepare == nil {
		opts.Prepare = func(def models.JobDefinition) (models.JobDefinition, error) {
			return def, def.Validate()
		}
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  deps.Log.With().Str("component", "orchestrator").Logger(),
		now:  time.Now,
	}
}

// Execute runs every job definition from jobs in order and returns the run
// report.
//
// Job failures are recorded in the report and never returned. The error
// is non-nil only when the run itself could not proceed: the job source
// failed or ctx was cancelled between jobs. The run-level timing interval
// is closed and flushed on every path.
func (o *Orchestrator) Execute(ctx context.Context, runID string, jobs JobSource) (*models.RunReport, error) {
	log := o.log.With().Str("run_id", runID).Logger()
	rec := telemetry.NewRecorder(o.deps.Telemetry, runID, o.deps.Log).WithClock(o.now)
	report := models.NewRunReport(runID, o.now())

	rec.MarkStart(telemetry.EventJobRun)
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.StartRun(ctx, runID, report.StartedAt); err != nil {
			log.Warn().Err(err).Msg("recording run start")
		}
	}

	defs, err := jobs(ctx)
	if err != nil {
		err = fmt.Errorf("loading job definitions: %w", err)
		log.Error().Err(err).Msg("run aborted")
		o.finish(ctx, rec, report, log)
		return report, err
	}
	log.Info().Int("jobs", len(defs)).Msg("run started")

	for i, def := range defs {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("remaining", len(defs)-i).Msg("run interrupted")
			o.finish(ctx, rec, report, log)
			return report, err
		}

		res := o.runJob(ctx, rec, runID, i, def)
		report.Add(res)

		if o.deps.Ledger != nil {
			if err := o.deps.Ledger.RecordJob(context.WithoutCancel(ctx), runID, res); err != nil {
				log.Warn().Err(err).Int("job_index", i).Msg("recording job result")
			}
		}
		if err := rec.Flush(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("flushing job timings")
		}
	}

	o.finish(ctx, rec, report, log)
	log.Info().Str("summary", report.Summary()).Msg("run finished")
	return report, nil
}

// finish closes the run interval and persists what the run recorded. It
// runs detached from ctx so an interrupted run still leaves its timings.
func (o *Orchestrator) finish(ctx context.Context, rec *telemetry.Recorder, report *models.RunReport, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	rec.MarkEnd(telemetry.EventJobRun)
	report.FinishedAt = o.now()
	if err := rec.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("flushing run timings")
	}
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.FinishRun(ctx, report); err != nil {
			log.Warn().Err(err).Msg("recording run finish")
		}
	}
}

// runJob executes one definition and converts its outcome into a result.
// The job interval is closed on every path.
func (o *Orchestrator) runJob(ctx context.Context, rec *telemetry.Recorder, runID string, index int, def models.JobDefinition) models.JobResult {
	name := def.DisplayName()
	start := o.now()

	rec.NextJob(name)
	rec.MarkStart(telemetry.EventJob)
	defer rec.MarkEnd(telemetry.EventJob)

	j := &job{
		o:     o,
		rec:   rec,
		runID: runID,
		index: index,
		name:  name,
		def:   def,
		log: o.log.With().Str("run_id", runID).Str("job", name).
			Int("job_index", index).Logger(),
	}
	err := j.run(ctx)

	res := models.JobResult{
		Index:    index,
		Name:     name,
		Output:   def.Output,
		Chunks:   j.chunks,
		Duration: o.now().Sub(start),
	}

	var se *StageError
	if errors.As(err, &se) {
		res.Stage = string(se.Stage)
	}
	switch {
	case err == nil:
		res.Status = models.JobSucceeded
		j.log.Info().Int("chunks", res.Chunks).Dur("duration", res.Duration).Msg("job succeeded")
	case errors.Is(err, ErrOutputExists):
		res.Status = models.JobSkipped
		res.Err = err
		j.log.Warn().Str("stage", res.Stage).Str("output", def.Output).Msg("job skipped: output exists and overwrite is off")
	default:
		res.Status = models.JobFailed
		res.Err = err
		j.log.Error().Err(err).Str("stage", res.Stage).Msg("job failed")
	}
	return res
}
