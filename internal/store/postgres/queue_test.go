package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"extractplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return newStore(db), mock
}

var jobRowColumns = []string{
	"id", "type", "payload", "status", "priority", "attempts", "max_attempts", "last_error",
	"locked_by", "locked_at", "idempotency_key", "visible_after", "created_at", "claimed_at", "completed_at",
}

func nullable[T any](p *T) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

func addJobRow(rows *sqlmock.Rows, j store.Job) *sqlmock.Rows {
	return rows.AddRow(
		j.ID.String(), j.Type, []byte(j.Payload), string(j.Status), j.Priority,
		j.Attempts, j.MaxAttempts, nullable(j.LastError),
		nullable(j.LockedBy), nullable(j.LockedAt), j.IdempotencyKey, j.VisibleAfter,
		j.CreatedAt, nullable(j.ClaimedAt), nullable(j.CompletedAt),
	)
}

func testJob(status store.JobStatus, priority int) store.Job {
	now := time.Now().UTC()
	return store.Job{
		ID:             uuid.New(),
		Type:           store.JobTypeExtraction,
		Payload:        json.RawMessage(`{"prompt":"extract the navbar","targetPath":"examples/navbar","promptHash":"abc"}`),
		Status:         status,
		Priority:       priority,
		MaxAttempts:    3,
		IdempotencyKey: "key-" + uuid.NewString(),
		VisibleAfter:   now,
		CreatedAt:      now,
	}
}

func TestEnqueue_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	job := testJob(store.JobStatusPending, 5)

	mock.ExpectQuery(`INSERT INTO jobs .* ON CONFLICT \(idempotency_key\) WHERE status IN \('pending', 'claimed'\) DO NOTHING`).
		WithArgs(job.ID, job.Type, []byte(job.Payload), 5, 3, job.IdempotencyKey, job.VisibleAfter, job.CreatedAt).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobRowColumns), job))

	created, err := s.Enqueue(ctx, nil, &job)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if created.ID != job.ID {
		t.Errorf("got id %v, want %v", created.ID, job.ID)
	}
	if created.Status != store.JobStatusPending {
		t.Errorf("got status %s, want pending", created.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_AssignsDefaults(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := &store.Job{Type: store.JobTypeExtraction, Payload: json.RawMessage(`{}`), MaxAttempts: 3, IdempotencyKey: "k"}

	mock.ExpectQuery(`INSERT INTO jobs`).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobRowColumns), testJob(store.JobStatusPending, 0)))

	if _, err := s.Enqueue(context.Background(), nil, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}
	if job.CreatedAt.IsZero() || !job.VisibleAfter.Equal(job.CreatedAt) {
		t.Errorf("expected visible_after to default to created_at, got %v / %v", job.VisibleAfter, job.CreatedAt)
	}
}

func TestEnqueue_DuplicateReturnsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := testJob(store.JobStatusPending, 1)
	existing := testJob(store.JobStatusClaimed, 1)
	existing.IdempotencyKey = job.IdempotencyKey
	worker := "worker-a"
	existing.LockedBy = &worker

	// ON CONFLICT DO NOTHING returns no row
	mock.ExpectQuery(`INSERT INTO jobs`).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE idempotency_key = \$1 AND status IN \('pending', 'claimed'\)`).
		WithArgs(job.IdempotencyKey).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobRowColumns), existing))

	got, err := s.Enqueue(context.Background(), nil, &job)
	if !errors.Is(err, store.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if got == nil || got.ID != existing.ID {
		t.Fatalf("expected existing job %v, got %+v", existing.ID, got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_UniqueViolationIsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := testJob(store.JobStatusPending, 1)

	mock.ExpectQuery(`INSERT INTO jobs`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	got, err := s.Enqueue(context.Background(), nil, &job)
	if !errors.Is(err, store.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil job when the live duplicate vanished, got %+v", got)
	}
}

func TestEnqueue_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := testJob(store.JobStatusPending, 1)
	mock.ExpectQuery(`INSERT INTO jobs`).WillReturnError(errors.New("connection reset"))

	_, err := s.Enqueue(context.Background(), nil, &job)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, store.ErrDuplicateJob) {
		t.Error("database error must not be reported as duplicate")
	}
}

// ClaimBatch Tests
func TestClaimBatch_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	high := testJob(store.JobStatusClaimed, 5)
	low := testJob(store.JobStatusClaimed, 1)
	high.Attempts, low.Attempts = 1, 2

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, locked_by FROM jobs`).
		WithArgs(float64(300), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "locked_by"}).
			AddRow(high.ID.String(), "pending", nil).
			AddRow(low.ID.String(), "claimed", "worker-dead"))

	// RETURNING order differs from the SELECT order
	mock.ExpectQuery(`UPDATE jobs SET status = 'claimed'`).
		WithArgs("worker-b", sqlmock.AnyArg()).
		WillReturnRows(addJobRow(addJobRow(sqlmock.NewRows(jobRowColumns), low), high))
	mock.ExpectCommit()

	claims, err := s.ClaimBatch(ctx, "worker-b", 5*time.Minute, 2)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if claims[0].Job.ID != high.ID || claims[1].Job.ID != low.ID {
		t.Errorf("claims not in priority order: %v, %v", claims[0].Job.ID, claims[1].Job.ID)
	}
	if claims[0].Reclaimed {
		t.Error("pending job must not be reported as reclaimed")
	}
	if !claims[1].Reclaimed || claims[1].PreviousOwner != "worker-dead" {
		t.Errorf("expected reclaim from worker-dead, got %+v", claims[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimBatch_QueryStructure(t *testing.T) {
	// sqlmock does not execute SQL; this pins the eligibility predicate and ordering.
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, locked_by FROM jobs ` +
		`WHERE \(status = 'pending' AND visible_after <= NOW\(\)\) ` +
		`OR \(status = 'claimed' AND locked_at < NOW\(\) - \(\$1 \* INTERVAL '1 second'\) AND attempts < max_attempts\) ` +
		`ORDER BY priority DESC, created_at ASC FOR UPDATE SKIP LOCKED LIMIT \$2`).
		WithArgs(float64(60), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "locked_by"}))
	mock.ExpectRollback()

	claims, err := s.ClaimBatch(context.Background(), "worker-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if claims != nil {
		t.Errorf("expected nil claims on empty queue, got %v", claims)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimBatch_UpdateSetsClaimFields(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := testJob(store.JobStatusClaimed, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, locked_by FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "locked_by"}).AddRow(job.ID.String(), "pending", nil))
	mock.ExpectQuery(`UPDATE jobs SET status = 'claimed', locked_by = \$1, locked_at = NOW\(\), ` +
		`attempts = attempts \+ 1, claimed_at = COALESCE\(claimed_at, NOW\(\)\) WHERE id = ANY\(\$2\)`).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobRowColumns), job))
	mock.ExpectCommit()

	if _, err := s.ClaimBatch(context.Background(), "worker-a", time.Minute, 1); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimBatch_UpdateErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, locked_by FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "locked_by"}).AddRow(uuid.NewString(), "pending", nil))
	mock.ExpectQuery(`UPDATE jobs`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	if _, err := s.ClaimBatch(context.Background(), "worker-a", time.Minute, 1); err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFailExpired(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE jobs SET status = 'failed'.* WHERE status = 'claimed' AND locked_at < NOW\(\) - \(\$1 \* INTERVAL '1 second'\) AND attempts >= max_attempts`).
		WithArgs(float64(300), "lease expired on final attempt").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.FailExpired(context.Background(), 5*time.Minute, "lease expired on final attempt")
	if err != nil {
		t.Fatalf("FailExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}
}

// Complete Tests
func TestComplete_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'.* WHERE id = \$1 AND status = 'claimed' AND locked_by = \$2`).
		WithArgs(jobID, "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Complete(context.Background(), jobID, "worker-a"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestComplete_AlreadyCompletedIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	if err := s.Complete(context.Background(), jobID, "worker-a"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestComplete_StaleWorkerLockLost(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// worker-a's lease was reclaimed by another worker that still holds it
	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WithArgs(jobID, "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("claimed"))

	err := s.Complete(context.Background(), jobID, "worker-a")
	if !errors.Is(err, store.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestComplete_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM jobs`).WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := s.Complete(context.Background(), uuid.New(), "worker-a")
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// Fail Tests
func TestFail_RetriesWhileAttemptsRemain(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectQuery(`UPDATE jobs SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END`).
		WithArgs(jobID, "worker-a", "exit code 1", float64(10), float64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	backoff := store.Backoff{Base: 10 * time.Second, Max: 5 * time.Minute}
	status, err := s.Fail(context.Background(), jobID, "worker-a", "exit code 1", backoff)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if status != store.JobStatusPending {
		t.Errorf("got status %s, want pending", status)
	}
}

func TestFail_Exhausted(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`UPDATE jobs SET status = CASE`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	status, err := s.Fail(context.Background(), uuid.New(), "worker-a", "boom", store.Backoff{})
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if status != store.JobStatusFailed {
		t.Errorf("got status %s, want failed", status)
	}
}

func TestFail_LockLost(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`UPDATE jobs SET status = CASE`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectQuery(`SELECT status FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("claimed"))

	status, err := s.Fail(context.Background(), uuid.New(), "worker-a", "boom", store.Backoff{})
	if !errors.Is(err, store.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if status != store.JobStatusClaimed {
		t.Errorf("expected current status claimed, got %s", status)
	}
}

func TestFail_BackoffCappedInSQL(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// a cap below the base is raised to the base
	mock.ExpectQuery(`NOW\(\) \+ LEAST\(\$4 \* POWER\(2, GREATEST\(attempts - 1, 0\)\), \$5\) \* INTERVAL '1 second'`).
		WithArgs(sqlmock.AnyArg(), "worker-a", "boom", float64(30), float64(30)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	if _, err := s.Fail(context.Background(), uuid.New(), "worker-a", "boom", store.Backoff{Base: 30 * time.Second, Max: time.Second}); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET locked_at = NOW\(\) WHERE id = \$1 AND status = 'claimed' AND locked_by = \$2`).
		WithArgs(jobID, "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET locked_at = NOW\(\)`).
		WithArgs(jobID, "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Heartbeat(context.Background(), jobID, "worker-a"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := s.Heartbeat(context.Background(), jobID, "worker-a"); !errors.Is(err, store.ErrLockLost) {
		t.Fatalf("expected ErrLockLost on second heartbeat, got %v", err)
	}
}

func TestCount(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs WHERE status IN \('pending', 'claimed'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 7 {
		t.Errorf("got %d, want 7", count)
	}
}
