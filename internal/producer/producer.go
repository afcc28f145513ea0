// Package producer enqueues recurring jobs on cron schedules.
//
// Each entry carries a dedupe key derived from its job type, so a schedule
// that fires while the previous run is still queued or running coalesces
// onto the existing job instead of piling up duplicates.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/stoker/internal/queue"
)

// enqueueTimeout bounds each scheduled enqueue so a wedged database cannot
// stall the cron runner.
const enqueueTimeout = 10 * time.Second

// Enqueuer is the queue surface the producer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error)
}

// PollTriggerInterface nudges the poll loop after a fresh enqueue.
type PollTriggerInterface interface {
	Trigger()
}

// Entry describes one recurring enqueue.
type Entry struct {
	Schedule string // cron spec with a seconds field, or a descriptor like @hourly
	Type     queue.JobType
	Payload  json.RawMessage
}

// DefaultEntries returns the built-in recurring schedule. The backup entry
// is only included when cloud credentials are configured, since the handler
// fails unconditionally without them.
func DefaultEntries(backupConfigured bool) []Entry {
	entries := []Entry{
		// Price refresh: every 15 minutes
		{Schedule: "0 */15 * * * *", Type: queue.JobTypeRefreshPrices},
		// Research digest: daily at 7:00 AM
		{Schedule: "0 0 7 * * *", Type: queue.JobTypeGenerateDigest},
		// Health check: daily at 4:00 AM
		{Schedule: "0 0 4 * * *", Type: queue.JobTypeHealthCheck},
	}
	if backupConfigured {
		// Cloud backup: daily at 3:00 AM
		entries = append(entries, Entry{Schedule: "0 0 3 * * *", Type: queue.JobTypeBackupQueue})
	}
	return entries
}

// Producer manages recurring job enqueues.
type Producer struct {
	cron       *cron.Cron
	repo       Enqueuer
	poll       PollTriggerInterface
	maxRetries int
	log        zerolog.Logger
}

// New creates a new producer. maxRetries is stamped onto every job it
// enqueues.
func New(repo Enqueuer, maxRetries int, log zerolog.Logger) *Producer {
	return &Producer{
		cron:       cron.New(cron.WithSeconds()),
		repo:       repo,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "producer").Logger(),
	}
}

// SetPollTrigger sets the poll loop to nudge after fresh enqueues, so
// scheduled jobs start without waiting out the poll interval.
func (p *Producer) SetPollTrigger(poll PollTriggerInterface) {
	p.poll = poll
}

// AddEntry registers a recurring enqueue with the cron runner.
func (p *Producer) AddEntry(entry Entry) error {
	_, err := p.cron.AddFunc(entry.Schedule, func() {
		p.enqueue(entry)
	})
	if err != nil {
		return err
	}

	p.log.Info().
		Str("schedule", entry.Schedule).
		Str("job_type", string(entry.Type)).
		Msg("Recurring job registered")

	return nil
}

// Start starts the cron runner.
func (p *Producer) Start() {
	p.cron.Start()
	p.log.Info().Msg("Producer started")
}

// Stop stops the cron runner and waits for in-flight enqueues to finish.
func (p *Producer) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.log.Info().Msg("Producer stopped")
}

// enqueue inserts one scheduled job. A dedupe key per job type keeps a
// schedule from stacking duplicates behind a previous run that is still
// queued or running.
func (p *Producer) enqueue(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	job := queue.NewJob(entry.Type, entry.Payload)
	job.MaxRetries = p.maxRetries
	job.DedupeKey = "cron:" + string(entry.Type)

	stored, err := p.repo.Enqueue(ctx, job)
	if err != nil {
		p.log.Error().
			Err(err).
			Str("job_type", string(entry.Type)).
			Msg("Failed to enqueue recurring job")
		return
	}

	if stored.ID != job.ID {
		p.log.Debug().
			Str("job_type", string(entry.Type)).
			Str("pending_id", stored.ID).
			Msg("Skipped recurring job (previous run still pending)")
		return
	}

	p.log.Info().
		Str("job_type", string(entry.Type)).
		Str("job_id", stored.ID).
		Msg("Enqueued recurring job")

	if p.poll != nil {
		p.poll.Trigger()
	}
}
