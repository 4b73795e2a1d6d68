package models

import (
	"fmt"
	"strings"
)

// PartitionResult represents the outcome of transcoding one partition.
//
// It enforces the same consistency rules the substrate relies on when it
// aggregates partitions: successful results have an output path and no
// error, failed results have an error and no output path.
//
// Use NewPartitionSuccess or NewPartitionFailure to create validated instances.
type PartitionResult struct {
	Partition  int      `json:"partition"`
	Sequences  []uint64 `json:"sequences"`
	OutputPath string   `json:"output_path"`
	Success    bool     `json:"success"`
	Error      error    `json:"-"`
}

// NewPartitionSuccess creates a successful PartitionResult.
//
// Returns an error if outputPath is empty or whitespace-only.
func NewPartitionSuccess(partition int, seqs []uint64, outputPath string) (*PartitionResult, error) {
	pr := &PartitionResult{
		Partition:  partition,
		Sequences:  seqs,
		OutputPath: outputPath,
		Success:    true,
	}
	if err := pr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition result: %w", err)
	}
	return pr, nil
}

// NewPartitionFailure creates a failed PartitionResult. The error must not be nil.
func NewPartitionFailure(partition int, seqs []uint64, partErr error) (*PartitionResult, error) {
	if partErr == nil {
		return nil, fmt.Errorf("invalid partition result: error cannot be nil for failed result")
	}
	return &PartitionResult{
		Partition: partition,
		Sequences: seqs,
		Success:   false,
		Error:     partErr,
	}, nil
}

// Validate checks if the PartitionResult has consistent state.
//
// Returns an error if:
//   - Success is true but Error is not nil
//   - Success is false but Error is nil
//   - Success is true but OutputPath is empty
//   - Success is false but OutputPath is set
func (pr *PartitionResult) Validate() error {
	if pr.Partition < 0 {
		return fmt.Errorf("partition must be non-negative, got %d", pr.Partition)
	}

	if pr.Success && pr.Error != nil {
		return fmt.Errorf("inconsistent state: Success is true but Error is not nil")
	}

	if !pr.Success && pr.Error == nil {
		return fmt.Errorf("failed result must have an error")
	}

	if pr.Success && strings.TrimSpace(pr.OutputPath) == "" {
		return fmt.Errorf("output_path cannot be empty for successful result")
	}

	if !pr.Success && strings.TrimSpace(pr.OutputPath) != "" {
		return fmt.Errorf("failed result should not have output_path")
	}

	return nil
}
