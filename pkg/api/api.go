// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// Preview actions accepted by POST /preview.
const (
	PreviewActionStart  = "start"
	PreviewActionStop   = "stop"
	PreviewActionStatus = "status"
)

// PreviewRequest is the request body for POST /preview.
type PreviewRequest struct {
	ComponentID string `json:"componentId" validate:"required"`
	Action      string `json:"action" validate:"required,oneof=start stop status"`
}

// PreviewResponse is the response body for POST /preview.
type PreviewResponse struct {
	Success     bool   `json:"success"`
	ComponentID string `json:"componentId"`
	Port        int    `json:"port"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// PreviewInfo describes a live preview server.
type PreviewInfo struct {
	ComponentID string    `json:"componentId"`
	Port        int       `json:"port"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// ListPreviewsResponse is the response body for GET /preview.
type ListPreviewsResponse struct {
	Previews []PreviewInfo `json:"previews"`
}

// ReviewRequest is the request body for POST /review.
type ReviewRequest struct {
	ID     string  `json:"id" validate:"required,uuid"`
	Status string  `json:"status" validate:"required,oneof=pending approved rejected"`
	Reason *string `json:"reason,omitempty" validate:"omitempty,oneof=does_not_run incorrect not_minimal other"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// CodeExampleResponse represents a code example in API responses.
type CodeExampleResponse struct {
	ID              string     `json:"id"`
	RequirementID   string     `json:"requirementId"`
	JobID           *string    `json:"jobId,omitempty"`
	Path            string     `json:"path"`
	Port            int        `json:"port"`
	ReviewStatus    string     `json:"reviewStatus"`
	RejectionReason *string    `json:"rejectionReason,omitempty"`
	RejectionNotes  *string    `json:"rejectionNotes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
}

// CreateExampleRequest is the request body for POST /examples.
type CreateExampleRequest struct {
	RequirementID string `json:"requirementId" validate:"required"`
	Path          string `json:"path" validate:"required"`
	Port          int    `json:"port" validate:"min=0,max=65535"`
	JobID         string `json:"jobId,omitempty" validate:"omitempty,uuid"`
}

// ListExamplesResponse is the response body for GET /examples.
type ListExamplesResponse struct {
	Examples []CodeExampleResponse `json:"examples"`
}

// EnqueueJobRequest is the request body for POST /jobs.
type EnqueueJobRequest struct {
	Type           string          `json:"type" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
	// Priority must be between 0 and 100
	Priority    int `json:"priority,omitempty" validate:"min=0,max=100"`
	MaxAttempts int `json:"maxAttempts,omitempty" validate:"omitempty,min=1,max=100"`
}

// EnqueueJobResponse is the response body after enqueueing a job.
// Duplicate is set when a live job already owned the idempotency key.
type EnqueueJobResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      *string         `json:"lastError,omitempty"`
	LockedBy       *string         `json:"lockedBy,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	VisibleAfter   time.Time       `json:"visibleAfter"`
	CreatedAt      time.Time       `json:"createdAt"`
	ClaimedAt      *time.Time      `json:"claimedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// ListJobsResponse is the response body for GET /jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Priority levels for job claims
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)
