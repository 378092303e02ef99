package domain

import "time"

// Pending-record lifecycle states.
const (
	PendingStatePending    = "PENDING"
	PendingStateProcessing = "PROCESSING"
	PendingStateCompleted  = "COMPLETED"
	PendingStateFailed     = "FAILED"
)

// Run states for a TaskExecution.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Trigger modes. Scheduled and manual runs share identical processing
// logic and differ only in this metadata.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// PendingRecord tracks one work order awaiting analysis. Records are
// claimed PENDING -> PROCESSING atomically so two concurrent runs never
// process the same work order.
type PendingRecord struct {
	ID           int64
	WorkID       int64
	Status       string
	CommentCount int
	HasComments  bool
	RetryCount   int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunCounts are the terminal per-unit tallies of one orchestrator run.
// For a completed run Success+Failed+Skipped+Denoised+Duplicate == Total.
// Denoised counts units whose conversation had nothing left after the
// denoise pass; they complete without a model call.
type RunCounts struct {
	Total     int
	Success   int
	Failed    int
	Skipped   int
	Denoised  int
	Duplicate int
}

// TaskExecution is the durable record of one orchestrator run.
type TaskExecution struct {
	TaskID           string
	TaskName         string
	TriggerType      string
	TriggerUser      string
	Status           string
	StartTime        time.Time
	EndTime          time.Time
	BatchSize        int
	MaxConcurrent    int
	Counts           RunCounts
	ErrorMessage     string
	ExecutionDetails string // JSON blob with per-run structured detail
}
