package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Detail attribute names written by LogClusterDetails and StreamProgress.
const (
	AttrSubstrate      = "substrate"
	AttrPartitions     = "partitions"
	AttrWorkers        = "workers"
	AttrInputBytes     = "inputBytes"
	AttrChunkBytes     = "chunkBytes"
	AttrStreamCount    = "streamCount"
	AttrJobName        = "job"
	attrStreamTotal    = "StreamCount:"
	attrStreamProgress = "StreamProgress:"
)

// ClusterDetails describes the execution environment of one job.
type ClusterDetails struct {
	Substrate   string
	Partitions  int
	Workers     int
	InputBytes  int64
	ChunkBytes  int64
	StreamCount int
}

// ItemName returns the store item of counter within runID.
func ItemName(runID string, counter int) string {
	return runID + "-" + strconv.Itoa(counter)
}

// Recorder collects timing marks for one run and writes them to a Store on
// Flush. It is safe for concurrent use.
//
// JobRun marks always go to the run item (counter 0). Every other mark goes
// to the item of the current job, selected with NextJob.
type Recorder struct {
	store Store
	runID string
	now   func() time.Time
	log   zerolog.Logger

	mu      sync.Mutex
	counter int
	pending map[string]map[string]string
}

// NewRecorder creates a recorder writing run runID into store.
func NewRecorder(store Store, runID string, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		runID:   runID,
		now:     time.Now,
		log:     log.With().Str("component", "telemetry").Str("run_id", runID).Logger(),
		pending: make(map[string]map[string]string),
	}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// RunID returns the run this recorder writes.
func (r *Recorder) RunID() string { return r.runID }

// NextJob advances to the item of the next job and returns its name.
func (r *Recorder) NextJob(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	item := ItemName(r.runID, r.counter)
	r.setLocked(item, AttrJobName, name)
	return item
}

// MarkStart records the start of kind now.
func (r *Recorder) MarkStart(kind EventKind) {
	r.mark(StartKey(kind))
}

// MarkEnd records the end of kind now.
func (r *Recorder) MarkEnd(kind EventKind) {
	r.mark(EndKey(kind))
}

func (r *Recorder) mark(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at := r.now()
	item := r.itemLocked(k.Event)
	r.setLocked(item, k.String(), strconv.FormatInt(at.UnixMilli(), 10))
	r.log.Debug().Str("item", item).Str("mark", k.String()).Time("at", at).Msg("timing mark")
}

// LogClusterDetails attaches d to the current job item.
func (r *Recorder) LogClusterDetails(d ClusterDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.itemLocked(EventJob)
	r.setLocked(item, AttrSubstrate, d.Substrate)
	r.setLocked(item, AttrPartitions, strconv.Itoa(d.Partitions))
	r.setLocked(item, AttrWorkers, strconv.Itoa(d.Workers))
	r.setLocked(item, AttrInputBytes, strconv.FormatInt(d.InputBytes, 10))
	r.setLocked(item, AttrChunkBytes, strconv.FormatInt(d.ChunkBytes, 10))
	r.setLocked(item, AttrStreamCount, strconv.Itoa(d.StreamCount))
}

// StreamProgress records that done of total chunks carrying stream have
// been processed in the current job.
func (r *Recorder) StreamProgress(stream, done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.itemLocked(EventJob)
	r.setLocked(item, attrStreamTotal+strconv.Itoa(stream), strconv.Itoa(total))
	r.setLocked(item, attrStreamProgress+strconv.Itoa(stream), strconv.Itoa(done))
}

func (r *Recorder) itemLocked(kind EventKind) string {
	if kind == EventJobRun {
		return ItemName(r.runID, 0)
	}
	return ItemName(r.runID, r.counter)
}

func (r *Recorder) setLocked(item, attr, value string) {
	attrs, ok := r.pending[item]
	if !ok {
		attrs = make(map[string]string)
		r.pending[item] = attrs
	}
	attrs[attr] = value
}

// Flush writes every pending attribute to the store. Attributes that could
// not be written stay pending for the next Flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]map[string]string)
	r.mu.Unlock()

	var firstErr error
	for item, attrs := range pending {
		if err := r.store.Put(ctx, item, attrs); err != nil {
			r.requeue(item, attrs)
			if firstErr == nil {
				firstErr = fmt.Errorf("flushing %s: %w", item, err)
			}
			continue
		}
		r.log.Debug().Str("item", item).Int("attributes", len(attrs)).Msg("flushed")
	}
	return firstErr
}

// requeue puts attrs back without overwriting newer values.
func (r *Recorder) requeue(item string, attrs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range attrs {
		if _, ok := r.pending[item][k]; !ok {
			r.setLocked(item, k, v)
		}
	}
}
