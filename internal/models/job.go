package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Input kinds accepted by the pipeline.
const (
	TypeText = "text"
	TypeURL  = "url"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is one submitted summarization request and its lifecycle record.
type Job struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Input            string     `json:"input"`
	NormalizedInput  string     `json:"-"`
	ExtractedContent *string    `json:"extracted_content,omitempty"`
	Summary          *string    `json:"summary,omitempty"`
	Status           string     `json:"status"`
	FailureCount     int        `json:"failure_count"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	ErrorStack       *string    `json:"error_stack,omitempty"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Task is the queue payload for one summarization job. The task key is the
// job ID, which makes re-enqueueing a job a no-op while a task for it is
// still outstanding.
type Task struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`
	Input string `json:"input"`
}
