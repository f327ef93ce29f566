package store

import "errors"

var (
	// ErrDuplicateJob is returned when a non-terminal job already owns the idempotency key.
	// Callers treat it as "already scheduled".
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNoJobAvailable is returned by claim operations on an empty queue.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrLockLost is returned when a worker acts on a claim it no longer holds.
	ErrLockLost = errors.New("job lock lost")

	// ErrNotRetryable is returned when an operator retry targets a job that has not failed.
	ErrNotRetryable = errors.New("job is not in failed status")

	// ErrNotFound is returned when a code example does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReviewFinalized is returned when a review update targets a non-pending code example.
	ErrReviewFinalized = errors.New("review already finalized")
)
