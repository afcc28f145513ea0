package events

import "time"

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"` // "enqueued", "started", "completed", "requeued", "failed"
	Description string     `json:"description"`
	Attempt     int        `json:"attempt,omitempty"`
	MaxRetries  int        `json:"max_retries,omitempty"`
	Error       string     `json:"error,omitempty"`
	Duration    float64    `json:"duration,omitempty"` // seconds
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "enqueued":
		return JobEnqueued
	case "started":
		return JobStarted
	case "completed":
		return JobCompleted
	case "requeued":
		return JobRequeued
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
