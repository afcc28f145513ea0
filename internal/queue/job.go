// Package queue provides the durable job store backing the worker.
// Jobs live in a SQLite table and move through a forward-only lifecycle:
// queued -> running -> done, failed, or back to queued for a retry.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// JobType represents the type of job
type JobType string

const (
	// Delegating jobs - the handler posts the payload to a downstream service
	JobTypeRefreshPrices  JobType = "refresh_prices"
	JobTypeEvaluateAlerts JobType = "evaluate_alerts"
	JobTypeGenerateDigest JobType = "generate_digest"
	JobTypeParseStatement JobType = "parse_statement"
	JobTypeRunBacktest    JobType = "run_backtest"

	// Self-contained jobs - the handler performs the work directly
	JobTypeHealthCheck JobType = "health_check"
	JobTypeBackupQueue JobType = "backup_queue"
)

// Status represents the lifecycle state of a job
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are never
// claimed again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job represents one unit of asynchronous work
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	RunAfter   time.Time       `json:"run_after"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	DedupeKey  string          `json:"dedupe_key,omitempty"`
}

// NewJob creates a queued job with a fresh ID, eligible to run immediately.
// MaxRetries defaults to 3; producers override it from config.
func NewJob(jobType JobType, payload json.RawMessage) *Job {
	now := time.Now().UTC()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Status:     StatusQueued,
		MaxRetries: 3,
		RunAfter:   now,
		CreatedAt:  now,
	}
}

// Due reports whether the job is eligible to run at the given time.
// Only meaningful while the job is queued.
func (j *Job) Due(now time.Time) bool {
	return !j.RunAfter.After(now)
}

// AttemptOutcome classifies how a single execution attempt ended
type AttemptOutcome string

const (
	OutcomeDone     AttemptOutcome = "done"
	OutcomeRequeued AttemptOutcome = "requeued"
	OutcomeFailed   AttemptOutcome = "failed"
)

// JobAttempt is one row of execution history for a job. API responses
// project it through their own view types, so no JSON tags here.
type JobAttempt struct {
	ID         int64
	JobID      string
	JobType    JobType
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Outcome    AttemptOutcome
	Error      string
	Detail     []byte
}

// AttemptDetail is supplemental attempt context stored as a msgpack blob
// alongside the indexed columns.
type AttemptDetail struct {
	ResultSize int        `msgpack:"result_size,omitempty"`
	ErrorKind  string     `msgpack:"error_kind,omitempty"`
	NextRunAt  *time.Time `msgpack:"next_run_at,omitempty"`
}

// EncodeDetail serializes the detail blob onto the attempt
func (a *JobAttempt) EncodeDetail(d AttemptDetail) error {
	blob, err := msgpack.Marshal(d)
	if err != nil {
		return err
	}
	a.Detail = blob
	return nil
}

// DecodeDetail deserializes the detail blob; empty blobs decode to the zero value
func (a *JobAttempt) DecodeDetail() (AttemptDetail, error) {
	var d AttemptDetail
	if len(a.Detail) == 0 {
		return d, nil
	}
	err := msgpack.Unmarshal(a.Detail, &d)
	return d, err
}

// GetJobDescription returns a human-readable description for a job type
func GetJobDescription(jobType JobType) string {
	descriptions := map[JobType]string{
		JobTypeRefreshPrices:  "Refreshing security prices",
		JobTypeEvaluateAlerts: "Evaluating price alerts",
		JobTypeGenerateDigest: "Generating research digest",
		JobTypeParseStatement: "Parsing broker statement",
		JobTypeRunBacktest:    "Running strategy backtest",
		JobTypeHealthCheck:    "Running queue health check",
		JobTypeBackupQueue:    "Uploading queue backup to cloud",
	}

	if desc, exists := descriptions[jobType]; exists {
		return desc
	}

	// Fallback to job type string
	return string(jobType)
}
