package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

var jobColumnNames = []string{
	"id", "type", "priority", "status", "origin", "payload", "requested_by", "attempts", "max_attempts",
	"last_attempt_at", "next_run_at", "lease_expires_at", "worker_id", "completed_at", "reference_id",
	"clinic_ids", "error_message", "failure_class", "result_summary", "trace_carrier", "created_at", "updated_at",
}

type jobRowOpts struct {
	status   store.JobStatus
	attempts int
	worker   string
	clinics  string
	result   []byte
	errMsg   any
}

func jobRow(id uuid.UUID, o jobRowOpts) []driver.Value {
	now := time.Now().UTC()
	clinics := o.clinics
	if clinics == "" {
		clinics = "{}"
	}
	var result driver.Value
	if o.result != nil {
		result = o.result
	}
	return []driver.Value{
		id.String(), "message.send", "high", string(o.status), "workflow", []byte(`{"to":"+90"}`), "engine",
		o.attempts, 3, nil, now, nil, o.worker, nil, nil,
		clinics, o.errMsg, "", result, []byte(`{"traceparent":"00-abc"}`), now, now,
	}
}

func TestInsertJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ref := uuid.New()
	clinic := uuid.New()
	job := &store.Job{
		ID:          uuid.New(),
		Type:        "message.send",
		Priority:    store.PriorityCritical,
		Status:      store.JobStatusQueued,
		Payload:     json.RawMessage(`{"to":"+90"}`),
		MaxAttempts: 3,
		NextRunAt:   time.Now(),
		ReferenceID: &ref,
		ClinicIDs:   []uuid.UUID{clinic},
	}

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(job.ID, "message.send", store.PriorityCritical, 3, store.JobStatusQueued, "",
			[]byte(`{"to":"+90"}`), "", 0, 3, job.NextRunAt,
			uuid.NullUUID{UUID: ref, Valid: true}, pq.StringArray{clinic.String()}, store.FailureClass(""),
			nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertJob_DuplicateIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.InsertJob(context.Background(), &store.Job{ID: uuid.New(), Priority: store.PriorityNormal, MaxAttempts: 1})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestGetJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	clinic := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, jobRowOpts{
			status:  store.JobStatusFailed,
			clinics: "{" + clinic.String() + "}",
			errMsg:  "boom",
		})...))

	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.ID != id || job.Priority != store.PriorityHigh || job.Status != store.JobStatusFailed {
		t.Errorf("unexpected job: %+v", job)
	}
	if len(job.ClinicIDs) != 1 || job.ClinicIDs[0] != clinic {
		t.Errorf("expected clinic ids [%s], got %v", clinic, job.ClinicIDs)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "boom" {
		t.Errorf("expected error message boom, got %v", job.ErrorMessage)
	}
	if job.TraceCarrier["traceparent"] != "00-abc" {
		t.Errorf("expected trace carrier to decode, got %v", job.TraceCarrier)
	}
	if job.ResultSummary != nil {
		t.Errorf("expected nil result, got %s", job.ResultSummary)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .+ FROM jobs`).WillReturnError(sql.ErrNoRows)

	if _, err := s.GetJob(context.Background(), uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	clinic := uuid.New()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(sqlmock.AnyArg(), "worker-1", sqlmock.AnyArg(), pq.StringArray{clinic.String()}).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, jobRowOpts{
			status:   store.JobStatusRunning,
			attempts: 1,
			worker:   "worker-1",
		})...))

	job, err := s.ClaimNextJob(context.Background(), "worker-1", []uuid.UUID{clinic}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("expected job %s, got %+v", id, job)
	}
	if job.Attempts != 1 || job.WorkerID != "worker-1" {
		t.Errorf("expected attempts=1 worker=worker-1, got %d %q", job.Attempts, job.WorkerID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`ORDER BY priority_rank DESC, created_at ASC`).
		WithArgs(sqlmock.AnyArg(), "worker-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	job, err := s.ClaimNextJob(context.Background(), "worker-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job != nil {
		t.Errorf("expected nil job, got %+v", job)
	}
}

func TestCompleteJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	result := json.RawMessage(`{"sid":"SM1"}`)
	mock.ExpectQuery(`UPDATE jobs SET status = 'completed'`).
		WithArgs(id, pq.StringArray{"running", "waiting"}, []byte(result)).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, jobRowOpts{
			status: store.JobStatusCompleted,
			result: result,
		})...))

	job, err := s.CompleteJob(context.Background(), id, result)
	if err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if string(job.ResultSummary) != string(result) {
		t.Errorf("expected result %s, got %s", result, job.ResultSummary)
	}
}

func TestWithdrawJob_OnlyUnclaimedStatuses(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectQuery(`UPDATE jobs SET status = 'cancelled'`).
		WithArgs(id, pq.StringArray{"pending", "queued"}).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, jobRowOpts{
			status: store.JobStatusCancelled,
		})...))

	job, err := s.WithdrawJob(context.Background(), id)
	if err != nil {
		t.Fatalf("WithdrawJob failed: %v", err)
	}
	if job.Status != store.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateJob_GuardFailures(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{"wrong status", true, apperr.ErrInvalidState},
		{"missing row", false, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			defer s.db.Close()

			id := uuid.New()
			mock.ExpectQuery(`UPDATE jobs SET status = 'cancelled'`).
				WithArgs(id, pq.StringArray{"pending", "queued", "waiting"}).
				WillReturnRows(sqlmock.NewRows(jobColumnNames))
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs(id).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			_, err := s.CancelJob(context.Background(), id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestRetryJob_SetsTransientClass(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	next := time.Now().Add(time.Minute)
	mock.ExpectQuery(`failure_class = 'transient'`).
		WithArgs(id, pq.StringArray{"running", "waiting"}, next, "timeout").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, jobRowOpts{
			status: store.JobStatusPending,
			errMsg: "timeout",
		})...))

	job, err := s.RetryJob(context.Background(), id, next, "timeout")
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if job.Status != store.JobStatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
}

func TestExtendLease_NotOwner(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	until := time.Now().Add(time.Minute)
	mock.ExpectExec(`UPDATE jobs\s+SET lease_expires_at`).
		WithArgs(id, "worker-2", until).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := s.ExtendLease(context.Background(), id, "worker-2", until); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestPromoteDueJobs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	mock.ExpectExec(`SET status = 'queued'`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.PromoteDueJobs(context.Background(), now)
	if err != nil {
		t.Fatalf("PromoteDueJobs failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 promoted, got %d", n)
	}
}

func TestReapExpiredJobs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	failedID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'pending'`).
		WithArgs(now, "lease expired").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SET status = 'failed'`).
		WithArgs(now, "lease expired").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(failedID, jobRowOpts{
			status:   store.JobStatusFailed,
			attempts: 3,
		})...))
	mock.ExpectCommit()

	requeued, failed, err := s.ReapExpiredJobs(context.Background(), now, "lease expired")
	if err != nil {
		t.Fatalf("ReapExpiredJobs failed: %v", err)
	}
	if requeued != 2 {
		t.Errorf("expected 2 requeued, got %d", requeued)
	}
	if len(failed) != 1 || failed[0].ID != failedID {
		t.Errorf("expected failed job %s, got %v", failedID, failed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReapExpiredJobs_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'pending'`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	if _, _, err := s.ReapExpiredJobs(context.Background(), time.Now(), "lease expired"); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCountJobs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs WHERE status = ANY`).
		WithArgs(pq.StringArray{"pending", "queued"}).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountJobs(context.Background(), store.JobStatusPending, store.JobStatusQueued)
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7, got %d", n)
	}
}
