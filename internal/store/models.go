// Package store contains the database layer for extractplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobTypeExtraction is the job type produced when a user approves a component extraction.
const JobTypeExtraction = "claude_extraction"

// Job is a durable unit of extraction work.
type Job struct {
	ID             uuid.UUID
	Type           string
	Payload        json.RawMessage
	Status         JobStatus
	Priority       int
	Attempts       int
	MaxAttempts    int
	LastError      *string
	LockedBy       *string
	LockedAt       *time.Time
	IdempotencyKey string
	VisibleAfter   time.Time
	CreatedAt      time.Time
	ClaimedAt      *time.Time
	CompletedAt    *time.Time
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusClaimed, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Claim is a job handed to a worker by a claim operation.
type Claim struct {
	Job Job
	// Reclaimed is set when the job was taken over from a worker whose lease expired.
	Reclaimed     bool
	PreviousOwner string
}

// CodeExample is a produced, reviewable artifact.
type CodeExample struct {
	ID              uuid.UUID        `db:"id"`
	RequirementID   string           `db:"requirement_id"`
	JobID           *uuid.UUID       `db:"job_id"`
	Path            string           `db:"path"`
	Port            int              `db:"port"`
	ReviewStatus    ReviewStatus     `db:"review_status"`
	RejectionReason *RejectionReason `db:"rejection_reason"`
	RejectionNotes  *string          `db:"rejection_notes"`
	CreatedAt       time.Time        `db:"created_at"`
	ReviewedAt      *time.Time       `db:"reviewed_at"`
}

// ReviewStatus is the human verdict on a code example.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected:
		return true
	}
	return false
}

// RejectionReason explains why a code example was rejected.
type RejectionReason string

const (
	RejectionDoesNotRun RejectionReason = "does_not_run"
	RejectionIncorrect  RejectionReason = "incorrect"
	RejectionNotMinimal RejectionReason = "not_minimal"
	RejectionOther      RejectionReason = "other"
)

// Valid reports whether r is a known rejection reason.
func (r RejectionReason) Valid() bool {
	switch r {
	case RejectionDoesNotRun, RejectionIncorrect, RejectionNotMinimal, RejectionOther:
		return true
	}
	return false
}
