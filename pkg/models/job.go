package models

import (
	"time"
)

// Job represents a video processing job held by the queue
type Job struct {
	VideoID          string     `json:"video_id"`
	SourcePath       string     `json:"source_path"`
	OriginalFileName string     `json:"original_file_name"`
	State            string     `json:"state"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	Token            string     `json:"-"`
	LeaseUntil       *time.Time `json:"lease_until,omitempty"`
	RunAt            *time.Time `json:"run_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// JobState constants
const (
	JobStateWaiting   = "waiting"
	JobStateDelayed   = "delayed"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

// IsTerminal reports whether the job reached a final queue state
func (j *Job) IsTerminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

// HasAttemptsLeft reports whether a failed attempt may be retried
func (j *Job) HasAttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// JobSnapshot is the status view exposed to callers for a single video
type JobSnapshot struct {
	VideoID     string      `json:"video_id"`
	Status      string      `json:"status"`
	Progress    int         `json:"progress"`
	Error       string      `json:"error,omitempty"`
	QueueState  string      `json:"queue_state,omitempty"`
	Attempts    int         `json:"attempts"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Renditions  []Rendition `json:"renditions"`
}
