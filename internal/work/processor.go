package work

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Processor is the poll loop driving the dispatcher. It wakes on a fixed
// interval, claims one batch, and processes it; Trigger wakes it early so
// producers don't wait out the full interval.
type Processor struct {
	dispatcher *Dispatcher
	interval   time.Duration
	batchSize  int
	log        zerolog.Logger

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// NewProcessor creates a new processor.
func NewProcessor(dispatcher *Dispatcher, interval time.Duration, batchSize int, log zerolog.Logger) *Processor {
	return &Processor{
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
		log:        log.With().Str("component", "processor").Logger(),
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the poll loop. This blocks until Stop() is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	p.log.Info().
		Dur("poll_interval", p.interval).
		Int("batch_size", p.batchSize).
		Msg("Processor started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll()
		case <-p.trigger:
			p.poll()
		}
	}
}

// Stop stops the processor and waits for the in-flight batch to finish.
// Handlers are not interrupted; shutdown can take up to one job's latency.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
	p.log.Info().Msg("Processor stopped")
}

// Trigger wakes up the processor to poll immediately.
// This is non-blocking and can be called from any goroutine.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// A poll is already pending
	}
}

// poll claims and processes one batch.
func (p *Processor) poll() {
	processed := p.dispatcher.RunBatch(context.Background(), p.batchSize)
	if processed > 0 {
		p.log.Debug().Int("processed", processed).Msg("Batch processed")
	}
}
