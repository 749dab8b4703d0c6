package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event severity levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Job is one row of the job_progress table: the durable lifecycle record for
// a single logical unit of work. JobID is derived from business keys, so a
// re-submitted request maps onto the same row.
type Job struct {
	JobID     string         `json:"jobId"`
	Queue     string         `json:"queue"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	RootJobID *string        `json:"rootJobId,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Root reports the workflow this job belongs to: itself when it has no
// parent, its parent's id otherwise.
func (j Job) Root() string {
	if j.RootJobID != nil && *j.RootJobID != "" {
		return *j.RootJobID
	}
	return j.JobID
}

// Event is one append-only row of the job_events table.
type Event struct {
	ID      int64          `json:"id"`
	JobID   string         `json:"jobId"`
	TS      time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// StageCounts summarizes job statuses for one pipeline stage.
type StageCounts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// WorkflowSummary annotates a root job with per-stage status counts.
type WorkflowSummary struct {
	Root   Job                    `json:"root"`
	Stages map[string]StageCounts `json:"stages"`
}

// Workflow is the full derived view: the root job plus every descendant,
// grouped by stage. Never stored; always recomputed from job_progress rows.
type Workflow struct {
	Root   Job              `json:"root"`
	Stages map[string][]Job `json:"stages"`
}
