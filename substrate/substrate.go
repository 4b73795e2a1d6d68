// Package substrate runs the transcode of a staged chunk store.
//
// A Substrate receives a Submission naming a chunk store directory and an
// output directory. It transcodes every chunk, groups the results by the
// partition the router assigns, and writes one record file per partition
// into the output directory followed by a success marker. The merger reads
// those partition files back in partition order.
package substrate

import (
	"context"
	"errors"
	"fmt"

	"distcoder/models"
)

// ErrPartitionFailed is returned by Submit when at least one partition did
// not complete.
var ErrPartitionFailed = errors.New("substrate: partition failed")

// Submission describes one distributed execution.
type Submission struct {
	ID         string                 `json:"id"`
	Job        string                 `json:"job"`
	ChunkDir   string                 `json:"chunk_dir"`
	OutputDir  string                 `json:"output_dir"`
	Params     models.TranscodeParams `json:"params"`
	Partitions int                    `json:"partitions"`
}

// Validate checks that the submission can be executed.
func (s Submission) Validate() error {
	if s.ChunkDir == "" {
		return fmt.Errorf("chunk directory is required")
	}
	if s.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if s.Partitions < 1 {
		return fmt.Errorf("partitions must be at least 1, got %d", s.Partitions)
	}
	return s.Params.Validate()
}

// Status is the outcome of a submission.
type Status struct {
	Success    bool
	Partitions []models.PartitionResult
}

// Failed returns the failed partition results.
func (s Status) Failed() []models.PartitionResult {
	var out []models.PartitionResult
	for _, p := range s.Partitions {
		if !p.Success {
			out = append(out, p)
		}
	}
	return out
}

// Substrate executes submissions.
type Substrate interface {
	// Submit blocks until the submission has completed or failed.
	Submit(ctx context.Context, sub Submission) (Status, error)
}

// Transcoder is the codec engine used by the substrate. A Session is opened
// per partition and handles that partition's chunks in ascending sequence.
type Transcoder interface {
	NewSession(ctx context.Context, params models.TranscodeParams) (Session, error)
}

// Session transcodes chunks for one partition.
type Session interface {
	Transcode(ctx context.Context, chunk *models.Chunk) ([]byte, error)
	Close() error
}

// failedPartition builds a failure result, falling back to a bare value
// when err is nil.
func failedPartition(p int, seqs []uint64, err error) models.PartitionResult {
	if err == nil {
		err = ErrPartitionFailed
	}
	res, _ := models.NewPartitionFailure(p, seqs, err)
	return *res
}
