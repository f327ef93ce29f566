package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"extractplane/internal/store"

	"github.com/google/uuid"
)

// memBackend mirrors the conditional-write semantics of the Postgres queue.
type memBackend struct {
	mu   sync.Mutex
	now  time.Time
	seq  time.Duration
	jobs map[uuid.UUID]*store.Job
}

func newMemBackend() *memBackend {
	return &memBackend{
		now:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		jobs: make(map[uuid.UUID]*store.Job),
	}
}

func (b *memBackend) advance(d time.Duration) {
	b.mu.Lock()
	b.now = b.now.Add(d)
	b.mu.Unlock()
}

func (b *memBackend) get(id uuid.UUID) store.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.jobs[id]
}

func live(j *store.Job) bool {
	return j.Status == store.JobStatusPending || j.Status == store.JobStatusClaimed
}

func (b *memBackend) Enqueue(_ context.Context, _ store.DBTransaction, job *store.Job) (*store.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, j := range b.jobs {
		if live(j) && j.IdempotencyKey == job.IdempotencyKey {
			cp := *j
			return &cp, store.ErrDuplicateJob
		}
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	// distinct creation times keep FIFO order among equal priorities
	b.seq += time.Microsecond
	job.CreatedAt = b.now.Add(b.seq)
	job.VisibleAfter = job.CreatedAt
	job.Status = store.JobStatusPending

	cp := *job
	b.jobs[job.ID] = &cp
	out := cp
	return &out, nil
}

func (b *memBackend) eligible(j *store.Job, lease time.Duration) bool {
	switch j.Status {
	case store.JobStatusPending:
		return !j.VisibleAfter.After(b.now)
	case store.JobStatusClaimed:
		return j.LockedAt.Before(b.now.Add(-lease)) && j.Attempts < j.MaxAttempts
	}
	return false
}

func (b *memBackend) ClaimBatch(_ context.Context, workerID string, lease time.Duration, limit int) ([]store.Claim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*store.Job
	for _, j := range b.jobs {
		if b.eligible(j, lease) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var claims []store.Claim
	for _, j := range candidates {
		claim := store.Claim{}
		if j.Status == store.JobStatusClaimed {
			claim.Reclaimed = true
			claim.PreviousOwner = *j.LockedBy
		}
		now := b.now
		owner := workerID
		j.Status = store.JobStatusClaimed
		j.LockedBy = &owner
		j.LockedAt = &now
		j.Attempts++
		if j.ClaimedAt == nil {
			j.ClaimedAt = &now
		}
		claim.Job = *j
		claims = append(claims, claim)
	}
	return claims, nil
}

func (b *memBackend) FailExpired(_ context.Context, lease time.Duration, reason string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, j := range b.jobs {
		if j.Status == store.JobStatusClaimed && j.LockedAt.Before(b.now.Add(-lease)) && j.Attempts >= j.MaxAttempts {
			msg := reason
			now := b.now
			j.Status = store.JobStatusFailed
			j.LastError = &msg
			j.LockedBy, j.LockedAt = nil, nil
			j.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (b *memBackend) held(jobID uuid.UUID, workerID string) (*store.Job, error) {
	j, ok := b.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if j.Status != store.JobStatusClaimed || j.LockedBy == nil || *j.LockedBy != workerID {
		return j, store.ErrLockLost
	}
	return j, nil
}

func (b *memBackend) Complete(_ context.Context, jobID uuid.UUID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(jobID, workerID)
	if err != nil {
		if j != nil && j.Status == store.JobStatusCompleted {
			return nil
		}
		return err
	}
	now := b.now
	j.Status = store.JobStatusCompleted
	j.CompletedAt = &now
	j.LockedBy, j.LockedAt = nil, nil
	return nil
}

func (b *memBackend) Fail(_ context.Context, jobID uuid.UUID, workerID, errMsg string, backoff store.Backoff) (store.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(jobID, workerID)
	if err != nil {
		if j != nil {
			return j.Status, err
		}
		return "", err
	}
	msg := errMsg
	j.LastError = &msg
	j.LockedBy, j.LockedAt = nil, nil
	if j.Attempts >= j.MaxAttempts {
		now := b.now
		j.Status = store.JobStatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = store.JobStatusPending
		j.VisibleAfter = b.now.Add(backoff.Delay(j.Attempts))
	}
	return j.Status, nil
}

func (b *memBackend) Heartbeat(_ context.Context, jobID uuid.UUID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(jobID, workerID)
	if err != nil {
		if err == store.ErrJobNotFound {
			return err
		}
		return store.ErrLockLost
	}
	now := b.now
	j.LockedAt = &now
	return nil
}

func (b *memBackend) Count(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, j := range b.jobs {
		if live(j) {
			n++
		}
	}
	return n, nil
}

func (b *memBackend) GetJobByID(_ context.Context, id uuid.UUID) (*store.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (b *memBackend) ListJobs(_ context.Context, status store.JobStatus, limit, offset int) ([]store.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := []store.Job{}
	for _, j := range b.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memBackend) RetryJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if j.Status != store.JobStatusFailed {
		return nil, store.ErrNotRetryable
	}
	for _, other := range b.jobs {
		if other.ID != id && live(other) && other.IdempotencyKey == j.IdempotencyKey {
			return nil, store.ErrDuplicateJob
		}
	}
	j.Status = store.JobStatusPending
	j.Attempts = 0
	j.LastError, j.CompletedAt = nil, nil
	j.VisibleAfter = b.now
	cp := *j
	return &cp, nil
}
