package models

import (
	"strings"
	"testing"
	"time"
)

func validJob() JobDefinition {
	return JobDefinition{
		Name:        "movie",
		Input:       "https://media.example.com/movie.mkv",
		InputClass:  InputRemoteRaw,
		Output:      "/srv/out/movie.ts",
		OutputClass: OutputSingleFile,
		Params:      TranscodeParams{ResolutionScale: 0.5, Quality: 23, Threads: 2},
		ChunkBytes:  16 << 20,
	}
}

func TestJobDefinitionValidate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*JobDefinition)
		errorContains string
	}{
		{name: "valid", mutate: func(*JobDefinition) {}},
		{name: "empty input", mutate: func(j *JobDefinition) { j.Input = " " }, errorContains: "input cannot be empty"},
		{name: "empty output", mutate: func(j *JobDefinition) { j.Output = "" }, errorContains: "output cannot be empty"},
		{name: "bad input class", mutate: func(j *JobDefinition) { j.InputClass = "ftp" }, errorContains: "invalid input_class"},
		{name: "bad output class", mutate: func(j *JobDefinition) { j.OutputClass = "dash" }, errorContains: "invalid output_class"},
		{name: "zero chunk size", mutate: func(j *JobDefinition) { j.ChunkBytes = 0 }, errorContains: "chunk_bytes must be positive"},
		{name: "bad quality", mutate: func(j *JobDefinition) { j.Params.Quality = 99 }, errorContains: "quality must be between"},
		{name: "bad scale", mutate: func(j *JobDefinition) { j.Params.ResolutionScale = -1 }, errorContains: "resolution_scale"},
		{name: "negative threads", mutate: func(j *JobDefinition) { j.Params.Threads = -2 }, errorContains: "threads must be non-negative"},
		{name: "pre-chunked segments", mutate: func(j *JobDefinition) {
			j.InputClass = InputPreChunked
			j.OutputClass = OutputSegments
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(&job)
			err := job.Validate()
			if tt.errorContains == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error containing '%s', got %v", tt.errorContains, err)
			}
		})
	}
}

func TestJobDefinitionDisplayName(t *testing.T) {
	job := validJob()
	if job.DisplayName() != "movie" {
		t.Errorf("Expected 'movie', got %s", job.DisplayName())
	}
	job.Name = ""
	if job.DisplayName() != job.Input {
		t.Errorf("Expected input fallback, got %s", job.DisplayName())
	}
}

func TestRunReportCounts(t *testing.T) {
	report := NewRunReport("run-1", time.Now())
	report.Add(JobResult{Index: 1, Status: JobSucceeded})
	report.Add(JobResult{Index: 2, Status: JobFailed, Stage: "merge"})
	report.Add(JobResult{Index: 3, Status: JobSkipped})
	report.Add(JobResult{Index: 4, Status: JobSucceeded})

	if report.Succeeded() != 2 {
		t.Errorf("Expected 2 succeeded, got %d", report.Succeeded())
	}
	if report.Failed() != 1 {
		t.Errorf("Expected 1 failed, got %d", report.Failed())
	}
	if report.Skipped() != 1 {
		t.Errorf("Expected 1 skipped, got %d", report.Skipped())
	}
	if !report.PartialFailure() {
		t.Error("Expected PartialFailure to be true")
	}
	if got := report.Summary(); got != "4 jobs: 2 succeeded, 1 failed, 1 skipped" {
		t.Errorf("Unexpected summary: %s", got)
	}
}

func TestTranscodeProgress(t *testing.T) {
	p := NewTranscodeProgress(7, 2_000_000)
	if p.State != ProgressStateQueued {
		t.Errorf("Expected initial state %s, got %s", ProgressStateQueued, p.State)
	}

	p.SetOutTime(500_000)
	if p.Progress != 25 {
		t.Errorf("Expected 25%%, got %.2f", p.Progress)
	}

	p.SetOutTime(3_000_000)
	if p.Progress != 100 {
		t.Errorf("Expected progress capped at 100, got %.2f", p.Progress)
	}

	zero := NewTranscodeProgress(1, 0)
	zero.SetOutTime(1000)
	if zero.Progress != 0 {
		t.Errorf("Expected 0%% for unknown duration, got %.2f", zero.Progress)
	}

	if !strings.Contains(p.FormatSummary(), "chunk 7") {
		t.Errorf("Summary should name the chunk: %s", p.FormatSummary())
	}
}
