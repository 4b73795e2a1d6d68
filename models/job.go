package models

import (
	"fmt"
	"strings"
)

// InputClass describes how a job's input must be staged before chunking.
type InputClass string

const (
	// InputRemoteRaw is demuxed straight from its (usually remote) location.
	InputRemoteRaw InputClass = "remote-raw"
	// InputLocalRaw is copied to local staging first, then demuxed.
	InputLocalRaw InputClass = "local-raw"
	// InputPreChunked points at an existing chunk store; demux is skipped.
	InputPreChunked InputClass = "pre-chunked"
)

// OutputClass describes the shape of a job's final output.
type OutputClass string

const (
	OutputSingleFile OutputClass = "single-file"
	OutputSegments   OutputClass = "segments"
)

// TranscodeParams are the per-job parameters attached to every chunk of work.
type TranscodeParams struct {
	ResolutionScale float64 `yaml:"resolution_scale" json:"resolution_scale"` // 1.0 keeps the source size
	Quality         int     `yaml:"quality" json:"quality"`                   // CRF, 0 means codec default
	VideoBitrate    string  `yaml:"video_bitrate" json:"video_bitrate,omitempty"`
	AudioBitrate    string  `yaml:"audio_bitrate" json:"audio_bitrate,omitempty"`
	Threads         int     `yaml:"threads" json:"threads"` // hint, 0 lets the codec decide
}

// Validate checks the parameter ranges.
func (p TranscodeParams) Validate() error {
	if p.ResolutionScale < 0 || p.ResolutionScale > 4 {
		return fmt.Errorf("resolution_scale must be between 0 and 4, got %.2f", p.ResolutionScale)
	}
	if p.Quality < 0 || p.Quality > 63 {
		return fmt.Errorf("quality must be between 0 and 63, got %d", p.Quality)
	}
	if p.Threads < 0 {
		return fmt.Errorf("threads must be non-negative, got %d", p.Threads)
	}
	return nil
}

// JobDefinition is one work item in a run.
//
// Definitions are loaded from the job list and treated as immutable once
// constructed; the orchestrator only reads them.
type JobDefinition struct {
	Name        string          `yaml:"name" json:"name"`
	Input       string          `yaml:"input" json:"input"`
	InputClass  InputClass      `yaml:"input_class" json:"input_class"`
	Output      string          `yaml:"output" json:"output"`
	OutputClass OutputClass     `yaml:"output_class" json:"output_class"`
	Params      TranscodeParams `yaml:"params" json:"params"`
	ChunkBytes  int64           `yaml:"chunk_bytes" json:"chunk_bytes"`
	Overwrite   bool            `yaml:"overwrite" json:"overwrite"`
}

// Validate checks that the definition can be executed.
//
// Returns an error if:
//   - input or output is empty
//   - input_class or output_class is unknown
//   - chunk_bytes is not positive
//   - params are out of range
func (j *JobDefinition) Validate() error {
	if strings.TrimSpace(j.Input) == "" {
		return fmt.Errorf("input cannot be empty")
	}
	if strings.TrimSpace(j.Output) == "" {
		return fmt.Errorf("output cannot be empty")
	}

	switch j.InputClass {
	case InputRemoteRaw, InputLocalRaw, InputPreChunked:
	default:
		return fmt.Errorf("invalid input_class %q (must be %s, %s or %s)",
			j.InputClass, InputRemoteRaw, InputLocalRaw, InputPreChunked)
	}

	switch j.OutputClass {
	case OutputSingleFile, OutputSegments:
	default:
		return fmt.Errorf("invalid output_class %q (must be %s or %s)", j.OutputClass, OutputSingleFile, OutputSegments)
	}

	if j.ChunkBytes <= 0 {
		return fmt.Errorf("chunk_bytes must be positive, got %d", j.ChunkBytes)
	}

	if err := j.Params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	return nil
}

// DisplayName returns the job name, falling back to the input locator.
func (j *JobDefinition) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.Input
}
