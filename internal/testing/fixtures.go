package testing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/stoker/internal/queue"
)

// NewJobFixture returns a queued job of the given type, created at the given
// time and due immediately. IDs are deterministic within a test run.
func NewJobFixture(jobType queue.JobType, createdAt time.Time, seq int) *queue.Job {
	createdAt = createdAt.UTC()
	return &queue.Job{
		ID:         fmt.Sprintf("%s-%04d", jobType, seq),
		Type:       jobType,
		Payload:    json.RawMessage(`{"source":"fixture"}`),
		Status:     queue.StatusQueued,
		MaxRetries: 3,
		RunAfter:   createdAt,
		CreatedAt:  createdAt,
	}
}

// NewJobFixtures returns n queued jobs of the given type with strictly
// increasing creation times, one second apart, oldest first.
func NewJobFixtures(jobType queue.JobType, n int, start time.Time) []*queue.Job {
	jobs := make([]*queue.Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, NewJobFixture(jobType, start.Add(time.Duration(i)*time.Second), i))
	}
	return jobs
}
