package models

import (
	"fmt"
	"time"
)

// JobStatus is the terminal state of one job definition in a run.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// JobResult is the outcome of one job definition.
//
// Stage names the pipeline stage that was running when the job stopped;
// it is empty for successful jobs.
type JobResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Status   JobStatus     `json:"status"`
	Stage    string        `json:"stage,omitempty"`
	Err      error         `json:"-"`
	Chunks   int           `json:"chunks"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// ErrorString returns the error message, or "" when the job has no error.
func (r *JobResult) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// RunReport aggregates the job results of one run.
type RunReport struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Jobs       []JobResult `json:"jobs"`
}

// NewRunReport creates an empty report for runID.
func NewRunReport(runID string, startedAt time.Time) *RunReport {
	return &RunReport{RunID: runID, StartedAt: startedAt}
}

// Add appends a job result.
func (r *RunReport) Add(res JobResult) {
	r.Jobs = append(r.Jobs, res)
}

func (r *RunReport) count(status JobStatus) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

// Succeeded returns the number of jobs that completed.
func (r *RunReport) Succeeded() int { return r.count(JobSucceeded) }

// Failed returns the number of jobs that failed.
func (r *RunReport) Failed() int { return r.count(JobFailed) }

// Skipped returns the number of jobs skipped by the overwrite guard.
func (r *RunReport) Skipped() int { return r.count(JobSkipped) }

// PartialFailure reports whether at least one job failed.
func (r *RunReport) PartialFailure() bool {
	return r.Failed() > 0
}

// Summary returns a one-line summary of the run.
func (r *RunReport) Summary() string {
	return fmt.Sprintf("%d jobs: %d succeeded, %d failed, %d skipped",
		len(r.Jobs), r.Succeeded(), r.Failed(), r.Skipped())
}
