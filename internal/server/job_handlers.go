package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/stoker/internal/events"
	"github.com/aristath/stoker/internal/queue"
)

// latencySampleLimit caps how many recent attempts feed the per-type
// percentile statistics.
const latencySampleLimit = 200

// HandlerRegistryInterface lists the job types the worker can execute.
type HandlerRegistryInterface interface {
	Has(jobType queue.JobType) bool
	Types() []queue.JobType
}

// PollTriggerInterface nudges the poll loop so due jobs start without
// waiting out the poll interval.
type PollTriggerInterface interface {
	Trigger()
}

// JobHandlers serves the /api/jobs and /api/queue endpoints.
type JobHandlers struct {
	repo       *queue.Repository
	registry   HandlerRegistryInterface
	poll       PollTriggerInterface
	events     *events.Manager
	maxRetries int // default attempt budget for enqueued jobs
	log        zerolog.Logger
}

// NewJobHandlers creates the job API handlers
func NewJobHandlers(repo *queue.Repository, registry HandlerRegistryInterface, poll PollTriggerInterface, eventManager *events.Manager, maxRetries int, log zerolog.Logger) *JobHandlers {
	return &JobHandlers{
		repo:       repo,
		registry:   registry,
		poll:       poll,
		events:     eventManager,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "job_handlers").Logger(),
	}
}

// enqueueRequest is the POST /api/jobs body.
type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RunAfter   *time.Time      `json:"run_after,omitempty"`
	DedupeKey  string          `json:"dedupe_key,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// HandleEnqueue handles POST /api/jobs. A fresh insert answers 201; an
// enqueue coalesced onto an existing pending job via its dedupe key answers
// 200 with that job.
func (h *JobHandlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	jobType := queue.JobType(req.Type)
	if !h.registry.Has(jobType) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries <= 0 {
		h.writeError(w, http.StatusBadRequest, "max_retries must be positive")
		return
	}

	job := queue.NewJob(jobType, req.Payload)
	job.MaxRetries = h.maxRetries
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RunAfter != nil {
		job.RunAfter = req.RunAfter.UTC()
	}
	job.DedupeKey = req.DedupeKey

	stored, err := h.repo.Enqueue(r.Context(), job)
	if err != nil {
		h.log.Error().Err(err).Str("job_type", req.Type).Msg("Failed to enqueue job")
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	if stored.ID != job.ID {
		h.log.Debug().
			Str("job_type", req.Type).
			Str("pending_id", stored.ID).
			Msg("Enqueue coalesced onto pending job")
		h.writeJSON(w, http.StatusOK, stored)
		return
	}

	h.log.Info().
		Str("job_id", stored.ID).
		Str("job_type", req.Type).
		Msg("Job enqueued")

	h.events.EmitTyped(events.JobEnqueued, "api", &events.JobStatusData{
		JobID:       stored.ID,
		JobType:     string(stored.Type),
		Status:      "enqueued",
		Description: queue.GetJobDescription(stored.Type),
		MaxRetries:  stored.MaxRetries,
		Timestamp:   time.Now().UTC(),
	})

	if h.poll != nil && stored.Due(time.Now().UTC()) {
		h.poll.Trigger()
	}

	h.writeJSON(w, http.StatusCreated, stored)
}

// listResponse is the GET /api/jobs body.
type listResponse struct {
	Jobs  []queue.Job `json:"jobs"`
	Count int         `json:"count"`
}

// HandleList handles GET /api/jobs?status=&limit=&offset=
func (h *JobHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case queue.StatusQueued, queue.StatusRunning, queue.StatusDone, queue.StatusFailed:
	case "":
		h.writeError(w, http.StatusBadRequest, "status query parameter is required (queued, running, done, failed)")
		return
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := intQueryParam(r, "limit", 50)
	offset := intQueryParam(r, "offset", 0)

	jobs, err := h.repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("status", string(status)).Msg("Failed to list jobs")
		h.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}

	h.writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Count: len(jobs)})
}

// attemptView is one row of attempt history in API responses.
type attemptView struct {
	Attempt    int                  `json:"attempt"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	DurationMS int64                `json:"duration_ms"`
	Outcome    queue.AttemptOutcome `json:"outcome"`
	Error      string               `json:"error,omitempty"`
	ResultSize int                  `json:"result_size,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
	NextRunAt  *time.Time           `json:"next_run_at,omitempty"`
}

// jobDetailResponse is the GET /api/jobs/{id} body.
type jobDetailResponse struct {
	Job      queue.Job     `json:"job"`
	Attempts []attemptView `json:"attempts"`
}

// HandleGet handles GET /api/jobs/{id}, returning the job with its full
// attempt history.
func (h *JobHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("Failed to get job")
		h.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	attempts, err := h.repo.AttemptsForJob(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("Failed to load attempt history")
		h.writeError(w, http.StatusInternalServerError, "failed to load attempt history")
		return
	}

	h.writeJSON(w, http.StatusOK, jobDetailResponse{
		Job:      *job,
		Attempts: h.attemptViews(attempts),
	})
}

func (h *JobHandlers) attemptViews(attempts []queue.JobAttempt) []attemptView {
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		v := attemptView{
			Attempt:    a.Attempt,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			DurationMS: a.Duration.Milliseconds(),
			Outcome:    a.Outcome,
			Error:      a.Error,
		}

		detail, err := a.DecodeDetail()
		if err != nil {
			h.log.Warn().Err(err).
				Str("job_id", a.JobID).
				Int("attempt", a.Attempt).
				Msg("Failed to decode attempt detail")
		} else {
			v.ResultSize = detail.ResultSize
			v.ErrorKind = detail.ErrorKind
			v.NextRunAt = detail.NextRunAt
		}

		views = append(views, v)
	}
	return views
}

// HandleRetry handles POST /api/jobs/{id}/retry, resetting a failed job to
// queued with a fresh attempt budget.
func (h *JobHandlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.repo.RetryFailed(r.Context(), id, time.Now().UTC())
	if errors.Is(err, queue.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, queue.ErrNotFailed) {
		h.writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("Failed to retry job")
		h.writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}

	h.log.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Msg("Failed job reset for retry")

	h.events.EmitTyped(events.JobEnqueued, "api", &events.JobStatusData{
		JobID:       job.ID,
		JobType:     string(job.Type),
		Status:      "enqueued",
		Description: queue.GetJobDescription(job.Type),
		MaxRetries:  job.MaxRetries,
		Timestamp:   time.Now().UTC(),
	})

	if h.poll != nil {
		h.poll.Trigger()
	}

	h.writeJSON(w, http.StatusOK, job)
}

// typeLatency summarizes recent attempt durations for one job type.
type typeLatency struct {
	Samples int     `json:"samples"`
	MeanMS  float64 `json:"mean_ms"`
	P50MS   float64 `json:"p50_ms"`
	P90MS   float64 `json:"p90_ms"`
	P99MS   float64 `json:"p99_ms"`
}

// queueStatsResponse is the GET /api/queue/stats body.
type queueStatsResponse struct {
	Counts  map[queue.Status]int          `json:"counts"`
	Latency map[queue.JobType]typeLatency `json:"latency"`
}

// HandleStats handles GET /api/queue/stats: counts by lifecycle state plus
// latency percentiles per job type over recent attempts.
func (h *JobHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.repo.CountByStatus(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count jobs")
		h.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}

	types, err := h.repo.Types(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list job types")
		h.writeError(w, http.StatusInternalServerError, "failed to list job types")
		return
	}

	latency := make(map[queue.JobType]typeLatency, len(types))
	for _, jobType := range types {
		durations, err := h.repo.RecentDurations(ctx, jobType, latencySampleLimit)
		if err != nil {
			h.log.Warn().Err(err).Str("job_type", string(jobType)).Msg("Failed to load recent durations")
			continue
		}
		if len(durations) == 0 {
			continue
		}

		// Quantile requires sorted input
		sort.Float64s(durations)
		latency[jobType] = typeLatency{
			Samples: len(durations),
			MeanMS:  stat.Mean(durations, nil),
			P50MS:   stat.Quantile(0.50, stat.Empirical, durations, nil),
			P90MS:   stat.Quantile(0.90, stat.Empirical, durations, nil),
			P99MS:   stat.Quantile(0.99, stat.Empirical, durations, nil),
		}
	}

	h.writeJSON(w, http.StatusOK, queueStatsResponse{Counts: counts, Latency: latency})
}

// HandleTypes handles GET /api/queue/types, listing the registered handler
// names.
func (h *JobHandlers) HandleTypes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"types": h.registry.Types(),
	})
}

// HandlePoll handles POST /api/queue/poll, nudging the processor to claim a
// batch now.
func (h *JobHandlers) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if h.poll == nil {
		h.writeError(w, http.StatusServiceUnavailable, "processor is not running")
		return
	}

	h.poll.Trigger()
	h.log.Debug().Msg("Manual poll triggered")

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "success",
		"message": "Poll triggered",
	})
}

func (h *JobHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *JobHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// intQueryParam parses a non-negative integer query parameter, falling back
// on missing or malformed values.
func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
