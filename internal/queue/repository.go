package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/stoker/internal/database"
)

// ErrNotFound is returned when a job ID does not exist in the store.
var ErrNotFound = errors.New("job not found")

// ErrNotFailed is returned when a retry is requested for a job that is not
// in the failed state.
var ErrNotFailed = errors.New("job is not in failed state")

// timeFormat stores UTC timestamps at fixed millisecond width so that string
// comparison in SQL matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// jobColumns is the canonical column list shared by every job query
const jobColumns = "id, type, payload, status, attempts, max_retries, run_after, " +
	"created_at, started_at, finished_at, result, last_error, dedupe_key"

// Repository provides durable job storage on the queue database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new queue repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a new job. When the job carries a dedupe key and a
// non-terminal job with the same key already exists, the existing job is
// returned instead of inserting a duplicate.
func (r *Repository) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	normalize(job)

	if job.DedupeKey == "" {
		if err := insertJob(ctx, r.db, job); err != nil {
			return nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
		return job, nil
	}

	// Check-then-insert runs in one transaction; the partial unique index on
	// dedupe_key backstops concurrent enqueues.
	var out *Job
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+jobColumns+" FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')",
			job.DedupeKey,
		)
		existing, err := scanJob(row)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return out, nil
}

// ClaimDue atomically claims up to limit due queued jobs, oldest first.
// The single conditional UPDATE transitions each selected row to running,
// stamps started_at, and increments attempts, so at most one worker moves a
// given job out of queued even when several workers share the database.
func (r *Repository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, started_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_after <= ?
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, formatTime(now), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed jobs: %w", err)
	}

	// RETURNING row order is undefined; callers process in claim order
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	return jobs, nil
}

// MarkDone transitions a job to done and stores its result.
func (r *Repository) MarkDone(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'done', finished_at = ?, result = ? WHERE id = ?",
		formatTime(finishedAt), nullString(string(result)), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %s done: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkFailed transitions a job to failed and stores the final error.
func (r *Repository) MarkFailed(ctx context.Context, id string, lastError string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'failed', finished_at = ?, last_error = ? WHERE id = ?",
		formatTime(finishedAt), nullString(lastError), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	return requireRow(res, id)
}

// Requeue returns a job to the queue for another attempt, recording the
// error from the attempt that just failed. finished_at stays unset because
// the job is not finished.
func (r *Repository) Requeue(ctx context.Context, id string, lastError string, runAfter time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'queued', last_error = ?, run_after = ?, finished_at = NULL WHERE id = ?",
		nullString(lastError), formatTime(runAfter), id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RetryFailed resets a failed job to queued with a fresh attempt budget.
// Non-failed jobs are refused with ErrNotFailed.
func (r *Repository) RetryFailed(ctx context.Context, id string, runAfter time.Time) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'queued', attempts = 0, last_error = NULL, result = NULL,
		    started_at = NULL, finished_at = NULL, run_after = ?
		WHERE id = ? AND status = 'failed'
		RETURNING `+jobColumns,
		formatTime(runAfter), id,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to retry job %s: %w", id, err)
	}

	// Distinguish a missing job from one in the wrong state
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotFailed
}

// GetByID retrieves a job by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListByStatus returns jobs in the given status, newest first.
func (r *Repository) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		string(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// CountByStatus returns job counts for every lifecycle state, including
// zeroes for empty states.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{
		StatusQueued:  0,
		StatusRunning: 0,
		StatusDone:    0,
		StatusFailed:  0,
	}

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// RequeueStaleRunning returns jobs stuck in running from a previous process
// life back to queued. The interrupted attempt stays counted. Called once at
// startup before the poll loop begins.
func (r *Repository) RequeueStaleRunning(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'queued', last_error = ? WHERE status = 'running' AND started_at <= ?",
		"interrupted: process exited mid-attempt", formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale running jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued jobs: %w", err)
	}
	return n, nil
}

// RecordAttempt appends one execution attempt to the job history.
func (r *Repository) RecordAttempt(ctx context.Context, a *JobAttempt) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO job_attempts (job_id, job_type, attempt, started_at, finished_at, duration_ms, outcome, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, string(a.JobType), a.Attempt,
		formatTime(a.StartedAt), formatTime(a.FinishedAt), a.Duration.Milliseconds(),
		string(a.Outcome), nullString(a.Error), a.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt for job %s: %w", a.JobID, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// AttemptsForJob returns the execution history of a job, oldest attempt first.
func (r *Repository) AttemptsForJob(ctx context.Context, jobID string) ([]JobAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, job_type, attempt, started_at, finished_at, duration_ms, outcome, error, detail
		FROM job_attempts WHERE job_id = ? ORDER BY attempt ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var attempts []JobAttempt
	for rows.Next() {
		var (
			a          JobAttempt
			startedAt  string
			finishedAt string
			durationMS int64
			errText    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.JobType, &a.Attempt, &startedAt, &finishedAt, &durationMS, &a.Outcome, &errText, &a.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse attempt started_at: %w", err)
		}
		if a.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse attempt finished_at: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if errText.Valid {
			a.Error = errText.String
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}

	return attempts, nil
}

// RecentDurations returns attempt durations in milliseconds for a job type,
// most recent first. Used for latency percentile statistics.
func (r *Repository) RecentDurations(ctx context.Context, jobType JobType, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT duration_ms FROM job_attempts WHERE job_type = ? ORDER BY finished_at DESC LIMIT ?",
		string(jobType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent durations: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("failed to scan duration: %w", err)
		}
		durations = append(durations, float64(ms))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate durations: %w", err)
	}

	return durations, nil
}

// Types returns the distinct job types present in the store.
func (r *Repository) Types(ctx context.Context) ([]JobType, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT type FROM jobs ORDER BY type ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query job types: %w", err)
	}
	defer rows.Close()

	var types []JobType
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan job type: %w", err)
		}
		types = append(types, JobType(t))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job types: %w", err)
	}

	return types, nil
}

// normalize fills the fields producers commonly leave zero and truncates
// timestamps to stored precision so the returned job matches its row.
func normalize(job *Job) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = NewJob(job.Type, nil).ID
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = job.CreatedAt
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 3
	}
	job.CreatedAt = job.CreatedAt.UTC().Truncate(time.Millisecond)
	job.RunAfter = job.RunAfter.UTC().Truncate(time.Millisecond)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertJob(ctx context.Context, ex execer, j *Job) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO jobs ("+jobColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		j.ID, string(j.Type), string(j.Payload), string(j.Status), j.Attempts, j.MaxRetries,
		formatTime(j.RunAfter), formatTime(j.CreatedAt),
		nullTime(j.StartedAt), nullTime(j.FinishedAt),
		nullString(string(j.Result)), nullString(j.LastError), nullString(j.DedupeKey),
	)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j          Job
		payload    string
		runAfter   string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		result     sql.NullString
		lastError  sql.NullString
		dedupeKey  sql.NullString
	)

	err := s.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxRetries,
		&runAfter, &createdAt, &startedAt, &finishedAt, &result, &lastError, &dedupeKey)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)

	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("failed to parse run_after: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		j.FinishedAt = &t
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if dedupeKey.Valid {
		j.DedupeKey = dedupeKey.String
	}

	return &j, nil
}

// requireRow maps a zero-row update to ErrNotFound
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// nullString stores empty strings as NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime stores nil times as NULL
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
