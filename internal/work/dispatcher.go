package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/stoker/internal/events"
	"github.com/aristath/stoker/internal/queue"
)

// maxRetryDelay caps exponential backoff growth between attempts.
const maxRetryDelay = time.Hour

// Dispatcher claims due jobs and runs them through the execution protocol:
// look up handler, invoke, commit outcome, record the attempt, emit events.
// Each job commits independently; there is no batch transactionality.
type Dispatcher struct {
	repo        *queue.Repository
	registry    *Registry
	events      *events.Manager
	timeout     time.Duration
	backoffBase time.Duration
	log         zerolog.Logger
}

// NewDispatcher creates a dispatcher with the default per-job timeout.
// backoffBase zero means failed jobs are immediately eligible again.
func NewDispatcher(repo *queue.Repository, registry *Registry, manager *events.Manager, backoffBase time.Duration, log zerolog.Logger) *Dispatcher {
	return NewDispatcherWithTimeout(repo, registry, manager, backoffBase, JobTimeout, log)
}

// NewDispatcherWithTimeout creates a dispatcher with a custom per-job timeout.
// This is primarily used for testing.
func NewDispatcherWithTimeout(repo *queue.Repository, registry *Registry, manager *events.Manager, backoffBase, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		registry:    registry,
		events:      manager,
		timeout:     timeout,
		backoffBase: backoffBase,
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
}

// RunBatch claims up to limit due jobs and processes them sequentially in
// claim order. Returns the number of jobs processed. A claim failure is
// logged and treated as an empty batch.
func (d *Dispatcher) RunBatch(ctx context.Context, limit int) int {
	jobs, err := d.repo.ClaimDue(ctx, limit, time.Now().UTC())
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to claim jobs")
		return 0
	}

	for i := range jobs {
		d.processJob(ctx, &jobs[i])
	}

	return len(jobs)
}

// processJob executes one claimed job and commits its outcome.
// The job is already running and its attempt already counted by the claim.
func (d *Dispatcher) processJob(ctx context.Context, job *queue.Job) {
	started := time.Now().UTC()

	d.log.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Int("max_retries", job.MaxRetries).
		Msg("Job started")

	d.events.EmitTyped(events.JobStarted, "work", &events.JobStatusData{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      "started",
		Description: queue.GetJobDescription(job.Type),
		Attempt:     job.Attempts,
		MaxRetries:  job.MaxRetries,
		Timestamp:   started,
	})

	var result json.RawMessage
	var execErr error

	handler := d.registry.Get(job.Type)
	if handler == nil {
		execErr = fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	} else {
		hctx, cancel := context.WithTimeout(ctx, d.timeout)
		result, execErr = handler(hctx, job.Payload)
		cancel()
	}

	finished := time.Now().UTC()
	attempt := &queue.JobAttempt{
		JobID:      job.ID,
		JobType:    job.Type,
		Attempt:    job.Attempts,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}

	switch {
	case execErr == nil:
		d.commitDone(ctx, job, result, finished, attempt)
	case errors.Is(execErr, ErrUnknownJobType) || job.Attempts >= job.MaxRetries:
		d.commitFailed(ctx, job, execErr, finished, attempt)
	default:
		d.commitRequeue(ctx, job, execErr, finished, attempt)
	}

	if err := d.repo.RecordAttempt(ctx, attempt); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record attempt")
	}
}

// commitDone marks the job done with the handler's result.
func (d *Dispatcher) commitDone(ctx context.Context, job *queue.Job, result json.RawMessage, finished time.Time, attempt *queue.JobAttempt) {
	attempt.Outcome = queue.OutcomeDone
	if err := attempt.EncodeDetail(queue.AttemptDetail{ResultSize: len(result)}); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to encode attempt detail")
	}

	if err := d.repo.MarkDone(ctx, job.ID, result, finished); err != nil {
		// The job stays running; startup stale-recovery will requeue it.
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job done")
		return
	}

	d.log.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Dur("duration", attempt.Duration).
		Msg("Job completed")

	d.events.EmitTyped(events.JobCompleted, "work", &events.JobStatusData{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      "completed",
		Description: queue.GetJobDescription(job.Type),
		Attempt:     job.Attempts,
		MaxRetries:  job.MaxRetries,
		Duration:    attempt.Duration.Seconds(),
		Timestamp:   finished,
	})
}

// commitRequeue returns the job to the queue for another attempt.
func (d *Dispatcher) commitRequeue(ctx context.Context, job *queue.Job, execErr error, finished time.Time, attempt *queue.JobAttempt) {
	runAfter := job.RunAfter
	var nextRunAt *time.Time
	if d.backoffBase > 0 {
		runAfter = finished.Add(d.retryDelay(job.Attempts))
		nextRunAt = &runAfter
	}

	attempt.Outcome = queue.OutcomeRequeued
	attempt.Error = execErr.Error()
	if err := attempt.EncodeDetail(queue.AttemptDetail{ErrorKind: errorKind(execErr), NextRunAt: nextRunAt}); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to encode attempt detail")
	}

	if err := d.repo.Requeue(ctx, job.ID, execErr.Error(), runAfter); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue job")
		return
	}

	d.log.Warn().
		Err(execErr).
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Int("max_retries", job.MaxRetries).
		Time("run_after", runAfter).
		Msg("Job failed, requeued for retry")

	d.events.EmitTyped(events.JobRequeued, "work", &events.JobStatusData{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      "requeued",
		Description: queue.GetJobDescription(job.Type),
		Attempt:     job.Attempts,
		MaxRetries:  job.MaxRetries,
		Error:       execErr.Error(),
		Duration:    attempt.Duration.Seconds(),
		NextRunAt:   nextRunAt,
		Timestamp:   finished,
	})
}

// commitFailed marks the job permanently failed.
func (d *Dispatcher) commitFailed(ctx context.Context, job *queue.Job, execErr error, finished time.Time, attempt *queue.JobAttempt) {
	attempt.Outcome = queue.OutcomeFailed
	attempt.Error = execErr.Error()
	if err := attempt.EncodeDetail(queue.AttemptDetail{ErrorKind: errorKind(execErr)}); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to encode attempt detail")
	}

	if err := d.repo.MarkFailed(ctx, job.ID, execErr.Error(), finished); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}

	d.log.Error().
		Err(execErr).
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Int("max_retries", job.MaxRetries).
		Msg("Job failed permanently")

	d.events.EmitTyped(events.JobFailed, "work", &events.JobStatusData{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      "failed",
		Description: queue.GetJobDescription(job.Type),
		Attempt:     job.Attempts,
		MaxRetries:  job.MaxRetries,
		Error:       execErr.Error(),
		Duration:    attempt.Duration.Seconds(),
		Timestamp:   finished,
	})
}

// retryDelay computes the wait before the next attempt: the base doubled
// per completed attempt, capped at maxRetryDelay, plus up to 25% jitter.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// errorKind classifies a handler error for the attempt detail blob.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownJobType):
		return "unknown_type"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "handler"
	}
}
