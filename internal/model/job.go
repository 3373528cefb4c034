package model

import "time"

// JobState is the lifecycle state of a bulk backfill job.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
)

// JobProgress is a point-in-time view of a bulk backfill job.
type JobProgress struct {
	JobID       string     `json:"job_id,omitempty"`
	State       JobState   `json:"state"`
	Total       int64      `json:"total"`
	Completed   int64      `json:"completed"`
	Succeeded   int64      `json:"succeeded"`
	Failed      int64      `json:"failed"`
	Remaining   int        `json:"remaining"`
	InFlight    int        `json:"in_flight"`
	Concurrency int        `json:"concurrency"`
	Draining    bool       `json:"draining"` // stop requested, workers still finishing
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BulkJobSnapshot is the durable form of a bulk job. Queue holds every task
// not yet finished, including those in flight when the snapshot was taken.
type BulkJobSnapshot struct {
	JobID    string         `json:"job_id"`
	State    JobState       `json:"state"`
	Queue    []BackfillTask `json:"queue"`
	Progress JobProgress    `json:"progress"`
	SavedAt  time.Time      `json:"saved_at"`
}
