package models

import (
	"time"
)

// Job statuses persisted in story_generation_jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []string{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed}

// GenerationJob is one story_generation_jobs row.
type GenerationJob struct {
	ID            string     `json:"id"`
	ScenarioID    string     `json:"scenarioId"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attemptCount"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	LockedBy      *string    `json:"lockedBy,omitempty"`
	LastError     *string    `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// JobRow is a job joined with its scenario for admin listings.
type JobRow struct {
	GenerationJob
	ScenarioSlug  string `json:"scenarioSlug"`
	ScenarioTitle string `json:"scenarioTitle"`
}

// ClaimedJob is what a successful claim hands to the pipeline.
type ClaimedJob struct {
	JobID        string
	LockID       string
	AttemptCount int
	Scenario     Scenario
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"jobId"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}
