package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"distcoder/chunkstore"
	"distcoder/models"
	"distcoder/router"
)

// MessageWriter publishes messages; *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader consumes messages; *kafka.Reader satisfies it.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// WorkMessage is one chunk of work published to the work topic.
type WorkMessage struct {
	SubmissionID string                 `json:"submission_id"`
	Job          string                 `json:"job"`
	Sequence     uint64                 `json:"sequence"`
	Partition    int                    `json:"partition"`
	Last         bool                   `json:"last"` // last chunk of its partition
	ChunkPath    string                 `json:"chunk_path"`
	OutputDir    string                 `json:"output_dir"`
	Params       models.TranscodeParams `json:"params"`
	SubmittedAt  time.Time              `json:"submitted_at"`
}

// StatusMessage reports the outcome of one partition on the status topic.
type StatusMessage struct {
	SubmissionID string   `json:"submission_id"`
	Partition    int      `json:"partition"`
	Sequences    []uint64 `json:"sequences"`
	OutputPath   string   `json:"output_path,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// RouteBalancer is a kafka.Balancer delegating to the router of the
// submission currently being published.
type RouteBalancer struct {
	current atomic.Pointer[router.Router]
}

// Use routes subsequent messages with r.
func (b *RouteBalancer) Use(r *router.Router) { b.current.Store(r) }

// Balance implements kafka.Balancer.
func (b *RouteBalancer) Balance(msg kafka.Message, partitions ...int) int {
	r := b.current.Load()
	if len(partitions) == 0 {
		return 0
	}
	if r == nil {
		return partitions[0]
	}
	return r.Balance(msg, partitions...)
}

// NewWorkWriter creates a kafka writer for the work topic routed by bal.
func NewWorkWriter(brokers []string, topic string, bal *RouteBalancer) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     bal,
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewStatusWriter creates a kafka writer for the status topic.
func NewStatusWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewReader creates a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Kafka submits work to remote workers through a work topic and waits for
// their partition reports on a status topic. Chunk messages are keyed
// "<stream>:<seq>" and balanced by the router, so every chunk of an
// execution partition lands on the same topic partition in sequence order.
type Kafka struct {
	work     MessageWriter
	status   MessageReader
	balancer *RouteBalancer
	log      zerolog.Logger

	// submissions share the balancer, so they are published one at a time
	mu sync.Mutex
}

// NewKafka creates a Kafka substrate. bal must be the balancer the work
// writer was built with; nil is accepted for writers that do not balance.
func NewKafka(work MessageWriter, status MessageReader, bal *RouteBalancer, log zerolog.Logger) *Kafka {
	if bal == nil {
		bal = &RouteBalancer{}
	}
	return &Kafka{
		work:     work,
		status:   status,
		balancer: bal,
		log:      log.With().Str("component", "substrate").Str("substrate", "kafka").Logger(),
	}
}

// Submit implements Substrate.
func (k *Kafka) Submit(ctx context.Context, sub Submission) (Status, error) {
	if err := sub.Validate(); err != nil {
		return Status{}, fmt.Errorf("invalid submission: %w", err)
	}
	if sub.ID == "" {
		return Status{}, fmt.Errorf("invalid submission: id is required")
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

	msgs, err := workMessages(store, rt, sub)
	if err != nil {
		return Status{}, err
	}
	log := k.log.With().Str("submission", sub.ID).Str("job", sub.Job).Logger()

	k.mu.Lock()
	k.balancer.Use(rt)
	err = k.work.WriteMessages(ctx, msgs...)
	k.mu.Unlock()
	if err != nil {
		return Status{}, fmt.Errorf("publishing work: %w", err)
	}
	log.Info().Int("chunks", len(msgs)).Int("partitions", len(rt.Ranges())).Msg("work published")

	status, err := k.await(ctx, sub, rt, log)
	if err != nil {
		return status, err
	}
	if err := writeSuccessMarker(sub.OutputDir); err != nil {
		return status, fmt.Errorf("committing %s: %w", sub.OutputDir, err)
	}
	return status, nil
}

func workMessages(store *chunkstore.Store, rt *router.Router, sub Submission) ([]kafka.Message, error) {
	m := store.Manifest()
	last := make(map[uint64]bool)
	for _, rg := range rt.Ranges() {
		last[rg.Last] = true
	}

	msgs := make([]kafka.Message, 0, len(m.Chunks))
	now := time.Now().UTC()
	for _, c := range m.Chunks {
		path, err := store.ChunkPath(c.Seq)
		if err != nil {
			return nil, err
		}
		stream := 0
		if len(c.Streams) > 0 {
			stream = c.Streams[0]
		}
		value, err := json.Marshal(WorkMessage{
			SubmissionID: sub.ID,
			Job:          sub.Job,
			Sequence:     c.Seq,
			Partition:    rt.Partition(stream, c.Seq),
			Last:         last[c.Seq],
			ChunkPath:    path,
			OutputDir:    sub.OutputDir,
			Params:       sub.Params,
			SubmittedAt:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding work message: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: router.MessageKey(stream, c.Seq), Value: value})
	}
	return msgs, nil
}

// await consumes status messages until every non-empty partition has
// reported, the first failure arrives or ctx ends.
func (k *Kafka) await(ctx context.Context, sub Submission, rt *router.Router, log zerolog.Logger) (Status, error) {
	pending := make(map[int]bool)
	for _, rg := range rt.Ranges() {
		pending[rg.Partition] = true
	}

	status := Status{Success: true}
	for len(pending) > 0 {
		msg, err := k.status.ReadMessage(ctx)
		if err != nil {
			status.Success = false
			return status, fmt.Errorf("awaiting partition status: %w", err)
		}

		var sm StatusMessage
		if err := json.Unmarshal(msg.Value, &sm); err != nil {
			log.Warn().Err(err).Msg("skipping malformed status message")
			continue
		}
		if sm.SubmissionID != sub.ID || !pending[sm.Partition] {
			continue
		}
		delete(pending, sm.Partition)

		if !sm.Success {
			status.Success = false
			status.Partitions = append(status.Partitions,
				failedPartition(sm.Partition, sm.Sequences, fmt.Errorf("%s", sm.Error)))
			removePartitions(sub.OutputDir)
			return status, fmt.Errorf("%w: partition %d: %s", ErrPartitionFailed, sm.Partition, sm.Error)
		}

		res, err := models.NewPartitionSuccess(sm.Partition, sm.Sequences, sm.OutputPath)
		if err != nil {
			status.Success = false
			return status, fmt.Errorf("partition %d reported: %w", sm.Partition, err)
		}
		status.Partitions = append(status.Partitions, *res)
		log.Debug().Int("partition", sm.Partition).Int("remaining", len(pending)).Msg("partition reported")
	}
	sort.Slice(status.Partitions, func(i, j int) bool {
		return status.Partitions[i].Partition < status.Partitions[j].Partition
	})
	return status, nil
}
