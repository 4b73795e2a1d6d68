package models

import (
	"fmt"
	"time"
)

// TranscodeProgress tracks codec-engine metrics while one chunk is transcoded.
type TranscodeProgress struct {
	Sequence uint64

	Frame      int64
	FPS        float64
	OutTimeUs  int64   // position reached in the output, microseconds
	TotalSize  int64   // bytes written so far
	Bitrate    string  // e.g. "1200.5kbits/s"
	Speed      float64 // multiple of realtime
	DurationUs int64   // chunk duration, for percentage calculation
	Progress   float64 // 0-100

	State     ProgressState
	StartTime time.Time
	UpdatedAt time.Time
}

// ProgressState represents the current state of a chunk transcode.
type ProgressState string

const (
	ProgressStateQueued    ProgressState = "queued"
	ProgressStateEncoding  ProgressState = "encoding"
	ProgressStateCompleted ProgressState = "completed"
	ProgressStateFailed    ProgressState = "failed"
)

// ProgressCallback receives progress updates during a chunk transcode.
type ProgressCallback func(progress *TranscodeProgress)

// NewTranscodeProgress creates a progress tracker for a chunk of durationUs.
func NewTranscodeProgress(seq uint64, durationUs int64) *TranscodeProgress {
	now := time.Now()
	return &TranscodeProgress{
		Sequence:   seq,
		DurationUs: durationUs,
		State:      ProgressStateQueued,
		StartTime:  now,
		UpdatedAt:  now,
	}
}

// SetOutTime records the output position and recomputes the percentage.
func (tp *TranscodeProgress) SetOutTime(us int64) {
	tp.OutTimeUs = us
	if tp.DurationUs > 0 {
		tp.Progress = float64(us) / float64(tp.DurationUs) * 100
		if tp.Progress > 100 {
			tp.Progress = 100
		}
	}
	tp.UpdatedAt = time.Now()
}

// FormatSummary returns a human-readable summary of the progress.
func (tp *TranscodeProgress) FormatSummary() string {
	return fmt.Sprintf("chunk %d: %.1f%% | Speed: %.2fx | Bitrate: %s | Size: %dB",
		tp.Sequence, tp.Progress, tp.Speed, tp.Bitrate, tp.TotalSize)
}
