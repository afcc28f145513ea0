package work

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stoker/internal/clients/platform"
	"github.com/aristath/stoker/internal/queue"
	apptesting "github.com/aristath/stoker/internal/testing"
)

// fakeCaller records calls and returns a canned response.
type fakeCaller struct {
	urls     []string
	payloads []json.RawMessage
	result   json.RawMessage
	err      error
}

func (f *fakeCaller) Call(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error) {
	f.urls = append(f.urls, url)
	f.payloads = append(f.payloads, payload)
	return f.result, f.err
}

func newDelegatingDeps(caller ServiceCaller) *DelegatingDeps {
	return &DelegatingDeps{
		Client:        caller,
		PricingURL:    "http://pricing:9001",
		AlertsURL:     "http://alerts:9002",
		DigestURL:     "http://digest:9003",
		StatementsURL: "http://statements:9004",
		ResearchURL:   "http://research:9000",
	}
}

func TestRegisterDelegatingHandlers(t *testing.T) {
	registry := NewRegistry()

	RegisterDelegatingHandlers(registry, newDelegatingDeps(&fakeCaller{}))

	assert.Equal(t, 5, registry.Count())
	assert.True(t, registry.Has(queue.JobTypeRefreshPrices))
	assert.True(t, registry.Has(queue.JobTypeEvaluateAlerts))
	assert.True(t, registry.Has(queue.JobTypeGenerateDigest))
	assert.True(t, registry.Has(queue.JobTypeParseStatement))
	assert.True(t, registry.Has(queue.JobTypeRunBacktest))
}

func TestDelegatingHandlers_RouteToCapabilityEndpoints(t *testing.T) {
	tests := []struct {
		jobType queue.JobType
		wantURL string
	}{
		{queue.JobTypeRefreshPrices, "http://pricing:9001/refresh"},
		{queue.JobTypeEvaluateAlerts, "http://alerts:9002/evaluate"},
		{queue.JobTypeGenerateDigest, "http://digest:9003/digest"},
		{queue.JobTypeParseStatement, "http://statements:9004/parse"},
		{queue.JobTypeRunBacktest, "http://research:9000/backtest"},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			caller := &fakeCaller{result: json.RawMessage(`{"ok":true}`)}
			registry := NewRegistry()
			RegisterDelegatingHandlers(registry, newDelegatingDeps(caller))

			fn := registry.Get(tt.jobType)
			require.NotNil(t, fn)

			result, err := fn(context.Background(), json.RawMessage(`{"a":1}`))
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(result))

			require.Len(t, caller.urls, 1)
			assert.Equal(t, tt.wantURL, caller.urls[0])
			assert.JSONEq(t, `{"a":1}`, string(caller.payloads[0]))
		})
	}
}

func TestDelegatingHandlers_PropagateServiceErrors(t *testing.T) {
	caller := &fakeCaller{err: errors.New("service returned status 503")}
	registry := NewRegistry()
	RegisterDelegatingHandlers(registry, newDelegatingDeps(caller))

	fn := registry.Get(queue.JobTypeRefreshPrices)
	require.NotNil(t, fn)

	_, err := fn(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDelegatingHandlers_EndToEnd(t *testing.T) {
	// Full path: enqueue -> claim -> delegate over real HTTP -> done.
	env := setupDispatcher(t, 0)
	ctx := context.Background()

	svc := apptesting.NewMockService(200, `{"refreshed":7}`)
	defer svc.Close()

	client := platform.NewClient("test-token", 5*time.Second, zerolog.Nop())
	deps := newDelegatingDeps(client)
	deps.PricingURL = svc.URL() + "/pricing"
	RegisterDelegatingHandlers(env.registry, deps)

	job, err := env.repo.Enqueue(ctx, queue.NewJob(queue.JobTypeRefreshPrices, json.RawMessage(`{"symbols":["MSFT"]}`)))
	require.NoError(t, err)

	assert.Equal(t, 1, env.dispatcher.RunBatch(ctx, 5))

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, got.Status)
	assert.JSONEq(t, `{"refreshed":7}`, string(got.Result))

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/pricing/refresh", reqs[0].Path)
	assert.Equal(t, "Bearer test-token", reqs[0].Authorization)
	assert.JSONEq(t, `{"symbols":["MSFT"]}`, string(reqs[0].Body))
}
