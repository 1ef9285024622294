package acquisition

import (
	"fmt"
	"time"

	"amedas-climate/internal/models"
)

// RunState is the terminal state of an acquisition run.
type RunState string

const (
	RunCompleted        RunState = "completed"
	RunDeadlineExceeded RunState = "deadline_exceeded"
	RunCancelled        RunState = "cancelled"
	RunAborted          RunState = "aborted"
)

// Per-key results.
const (
	ResultSkipped  = "skipped"
	ResultAcquired = "acquired"
	ResultFailed   = "failed"
)

// KeyResult describes how one archive key was handled.
type KeyResult struct {
	Key     models.ArchiveKey
	Result  string
	Verdict Verdict
	Outcome Outcome
}

// FailedKey is a key whose acquisition did not succeed in this run.
type FailedKey struct {
	Key      models.ArchiveKey `json:"-"`
	Station  string            `json:"station_id"`
	Year     int               `json:"year"`
	Month    int               `json:"month"`
	Attempts int               `json:"attempts"`
	Error    string            `json:"error"`
}

// RunSummary contains acquisition run statistics
type RunSummary struct {
	RunID           string             `json:"run_id"`
	State           RunState           `json:"state"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	Targets         []models.YearMonth `json:"targets"`
	StationsTotal   int                `json:"stations_total"`
	StationsVisited int                `json:"stations_visited"`
	Skipped         int                `json:"skipped"`
	Acquired        int                `json:"acquired"`
	Failed          int                `json:"failed"`
	BytesWritten    int64              `json:"bytes_written"`
	FailedKeys      []FailedKey        `json:"failed_keys,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
}

// Duration is the wall time the run took.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Processed is the number of keys that reached a per-key result.
func (s *RunSummary) Processed() int {
	return s.Skipped + s.Acquired + s.Failed
}

func (s *RunSummary) record(r KeyResult) {
	switch r.Result {
	case ResultSkipped:
		s.Skipped++
	case ResultAcquired:
		s.Acquired++
		s.BytesWritten += int64(r.Outcome.Bytes)
	case ResultFailed:
		s.Failed++
		fk := r.Failure()
		s.FailedKeys = append(s.FailedKeys, fk)
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", r.Key, fk.Error))
	}
}

// Failure describes r as a failed key.
func (r KeyResult) Failure() FailedKey {
	msg := ""
	if r.Outcome.Err != nil {
		msg = r.Outcome.Err.Error()
	}
	return FailedKey{
		Key:      r.Key,
		Station:  string(r.Key.StationID),
		Year:     r.Key.Year,
		Month:    r.Key.Month,
		Attempts: r.Outcome.Attempts,
		Error:    msg,
	}
}
