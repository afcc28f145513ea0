package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stoker/internal/database"
	"github.com/aristath/stoker/internal/events"
	"github.com/aristath/stoker/internal/queue"
	apptesting "github.com/aristath/stoker/internal/testing"
)

type dispatcherEnv struct {
	dispatcher *Dispatcher
	repo       *queue.Repository
	registry   *Registry
	manager    *events.Manager
	bus        *events.Bus
	db         *database.DB
}

func setupDispatcher(t *testing.T, backoffBase time.Duration) *dispatcherEnv {
	t.Helper()

	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	repo := queue.NewRepository(db.Conn())
	registry := NewRegistry()
	bus := events.NewBus(zerolog.Nop())
	manager := events.NewManager(bus, zerolog.Nop())

	return &dispatcherEnv{
		dispatcher: NewDispatcher(repo, registry, manager, backoffBase, zerolog.Nop()),
		repo:       repo,
		registry:   registry,
		manager:    manager,
		bus:        bus,
		db:         db,
	}
}

func TestDispatcher_SuccessfulJobMarkedDone(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	env.registry.Register(queue.JobTypeRefreshPrices, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"refreshed":3}`), nil
	})

	job, err := env.repo.Enqueue(ctx, queue.NewJob(queue.JobTypeRefreshPrices, json.RawMessage(`{"symbols":["AAPL"]}`)))
	require.NoError(t, err)

	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"refreshed":3}`, string(got.Result))
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.FinishedAt)

	attempts, err := env.repo.AttemptsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, queue.OutcomeDone, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].Attempt)

	detail, err := attempts[0].DecodeDetail()
	require.NoError(t, err)
	assert.Equal(t, len(`{"refreshed":3}`), detail.ResultSize)
}

func TestDispatcher_HandlerReceivesPayload(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	var received json.RawMessage
	env.registry.Register(queue.JobTypeParseStatement, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		received = payload
		return nil, nil
	})

	_, err := env.repo.Enqueue(ctx, queue.NewJob(queue.JobTypeParseStatement, json.RawMessage(`{"statement_id":"st-42"}`)))
	require.NoError(t, err)

	env.dispatcher.RunBatch(ctx, 5)

	assert.JSONEq(t, `{"statement_id":"st-42"}`, string(received))
}

func TestDispatcher_FailureRequeuedUntilBudgetExhausted(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	env.registry.Register(queue.JobTypeRunBacktest, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("engine unavailable")
	})

	job := queue.NewJob(queue.JobTypeRunBacktest, nil)
	job.MaxRetries = 3
	_, err := env.repo.Enqueue(ctx, job)
	require.NoError(t, err)

	// Attempts 1 and 2 leave budget, so the job goes back to queued.
	for i := 1; i <= 2; i++ {
		assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

		got, err := env.repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusQueued, got.Status, "after attempt %d", i)
		assert.Equal(t, i, got.Attempts)
		assert.Equal(t, "engine unavailable", got.LastError)
		assert.Nil(t, got.FinishedAt)
	}

	// Attempt 3 exhausts the budget.
	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "engine unavailable", got.LastError)
	require.NotNil(t, got.FinishedAt)

	// Terminal jobs are never claimed again.
	assert.Equal(t, 0, env.dispatcher.RunBatch(ctx, 5))

	attempts, err := env.repo.AttemptsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, queue.OutcomeRequeued, attempts[0].Outcome)
	assert.Equal(t, queue.OutcomeRequeued, attempts[1].Outcome)
	assert.Equal(t, queue.OutcomeFailed, attempts[2].Outcome)
}

func TestDispatcher_UnknownTypeFailsImmediately(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	job := queue.NewJob(queue.JobType("walk_the_dog"), nil)
	job.MaxRetries = 3
	_, err := env.repo.Enqueue(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	// Terminal on the first attempt despite the remaining budget.
	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "unknown job type")
	assert.Contains(t, got.LastError, "walk_the_dog")

	attempts, err := env.repo.AttemptsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, queue.OutcomeFailed, attempts[0].Outcome)

	detail, err := attempts[0].DecodeDetail()
	require.NoError(t, err)
	assert.Equal(t, "unknown_type", detail.ErrorKind)
}

func TestDispatcher_BatchLimitAndClaimOrder(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	// RunBatch executes handlers synchronously, so no locking is needed.
	var executed []int
	env.registry.Register(queue.JobTypeRefreshPrices, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		executed = append(executed, p.Seq)
		return nil, nil
	})

	start := time.Now().UTC().Add(-time.Hour)
	for i, job := range apptesting.NewJobFixtures(queue.JobTypeRefreshPrices, 8, start) {
		job.Payload = json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		_, err := env.repo.Enqueue(ctx, job)
		require.NoError(t, err)
	}

	// Eight due, batch of five: the oldest five run first.
	assert.Equal(t, 5, env.dispatcher.RunBatch(ctx, 5))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, executed)

	// The remaining three run on the next cycle.
	assert.Equal(t, 3, env.dispatcher.RunBatch(ctx, 5))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, executed)

	assert.Equal(t, 0, env.dispatcher.RunBatch(ctx, 5))
}

func TestDispatcher_ImmediateRetryByDefault(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	env.registry.Register(queue.JobTypeEvaluateAlerts, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("alerts service down")
	})

	job := queue.NewJob(queue.JobTypeEvaluateAlerts, nil)
	job.MaxRetries = 5
	_, err := env.repo.Enqueue(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)

	// run_after is untouched, so the very next poll claims it again.
	assert.True(t, got.RunAfter.Equal(job.RunAfter))
	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))
}

func TestDispatcher_BackoffAdvancesRunAfter(t *testing.T) {
	env := setupDispatcher(t, time.Minute)
	ctx := context.Background()

	env.registry.Register(queue.JobTypeEvaluateAlerts, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("alerts service down")
	})

	job := queue.NewJob(queue.JobTypeEvaluateAlerts, nil)
	job.MaxRetries = 5
	_, err := env.repo.Enqueue(ctx, job)
	require.NoError(t, err)

	before := time.Now().UTC()
	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)

	// One minute base plus up to 25% jitter.
	assert.True(t, got.RunAfter.After(before.Add(50*time.Second)), "run_after should be pushed out, got %s", got.RunAfter)
	assert.True(t, got.RunAfter.Before(before.Add(2*time.Minute)))

	// Not claimable while backing off.
	assert.Equal(t, 0, env.dispatcher.RunBatch(ctx, 5))

	attempts, err := env.repo.AttemptsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	detail, err := attempts[0].DecodeDetail()
	require.NoError(t, err)
	require.NotNil(t, detail.NextRunAt)
}

func TestDispatcher_HandlerTimeout(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	d := NewDispatcherWithTimeout(env.repo, env.registry, env.manager, 0, 50*time.Millisecond, zerolog.Nop())

	env.registry.Register(queue.JobTypeGenerateDigest, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})

	job := queue.NewJob(queue.JobTypeGenerateDigest, nil)
	job.MaxRetries = 1
	_, err := env.repo.Enqueue(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, 1, d.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())

	attempts, err := env.repo.AttemptsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	detail, err := attempts[0].DecodeDetail()
	require.NoError(t, err)
	assert.Equal(t, "timeout", detail.ErrorKind)
}

func TestDispatcher_EmitsLifecycleEvents(t *testing.T) {
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	var seen []events.EventType
	var payloads []*events.JobStatusData
	for _, eventType := range events.AllEventTypes() {
		err := env.bus.Subscribe(eventType, func(e *events.Event) {
			seen = append(seen, e.Type)
			if data, ok := e.GetTypedData().(*events.JobStatusData); ok {
				payloads = append(payloads, data)
			}
		})
		require.NoError(t, err)
	}

	env.registry.Register(queue.JobTypeRefreshPrices, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	env.registry.Register(queue.JobTypeRunBacktest, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	okJob, err := env.repo.Enqueue(ctx, queue.NewJob(queue.JobTypeRefreshPrices, nil))
	require.NoError(t, err)
	env.dispatcher.RunBatch(ctx, 5)

	require.Equal(t, []events.EventType{events.JobStarted, events.JobCompleted}, seen)
	require.Len(t, payloads, 2)
	assert.Equal(t, okJob.ID, payloads[0].JobID)
	assert.Equal(t, "started", payloads[0].Status)
	assert.Equal(t, 1, payloads[0].Attempt)
	assert.Equal(t, "completed", payloads[1].Status)

	seen = nil
	payloads = nil

	failing := queue.NewJob(queue.JobTypeRunBacktest, nil)
	failing.MaxRetries = 2
	_, err = env.repo.Enqueue(ctx, failing)
	require.NoError(t, err)

	env.dispatcher.RunBatch(ctx, 5)
	env.dispatcher.RunBatch(ctx, 5)

	require.Equal(t, []events.EventType{
		events.JobStarted, events.JobRequeued,
		events.JobStarted, events.JobFailed,
	}, seen)
	assert.Equal(t, "boom", payloads[1].Error)
	assert.Equal(t, "boom", payloads[3].Error)
}

func TestDispatcher_ClaimErrorYieldsEmptyBatch(t *testing.T) {
	env := setupDispatcher(t, 0)

	require.NoError(t, env.db.Close())

	// A dead store must not panic or wedge the loop.
	assert.Equal(t, 0, env.dispatcher.RunBatch(context.Background(), 5))
}

func TestRetryDelay(t *testing.T) {
	d := &Dispatcher{backoffBase: time.Second}

	tests := []struct {
		attempts int
		min      time.Duration
		max      time.Duration
	}{
		{attempts: 1, min: time.Second, max: 1250 * time.Millisecond},
		{attempts: 2, min: 2 * time.Second, max: 2500 * time.Millisecond},
		{attempts: 3, min: 4 * time.Second, max: 5 * time.Second},
		{attempts: 30, min: maxRetryDelay, max: maxRetryDelay + maxRetryDelay/4},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			delay := d.retryDelay(tt.attempts)
			assert.GreaterOrEqual(t, delay, tt.min, "attempts=%d", tt.attempts)
			assert.LessOrEqual(t, delay, tt.max, "attempts=%d", tt.attempts)
		}
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "unknown_type", errorKind(fmt.Errorf("%w: bogus", ErrUnknownJobType)))
	assert.Equal(t, "timeout", errorKind(context.DeadlineExceeded))
	assert.Equal(t, "timeout", errorKind(fmt.Errorf("call failed: %w", context.DeadlineExceeded)))
	assert.Equal(t, "handler", errorKind(errors.New("boom")))
}
