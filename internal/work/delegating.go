package work

import (
	"context"
	"encoding/json"

	"github.com/aristath/stoker/internal/queue"
)

// ServiceCaller posts a job payload to a downstream platform service and
// returns the response body.
type ServiceCaller interface {
	Call(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error)
}

// DelegatingDeps contains the client and endpoints for delegating handlers.
type DelegatingDeps struct {
	Client        ServiceCaller
	PricingURL    string
	AlertsURL     string
	DigestURL     string
	StatementsURL string
	ResearchURL   string
}

// RegisterDelegatingHandlers registers the five platform-delegating job
// types. Each handler forwards the payload to its service and stores the
// response verbatim as the job result.
func RegisterDelegatingHandlers(registry *Registry, deps *DelegatingDeps) {
	// refresh_prices - Refresh security prices via the pricing service
	registry.Register(queue.JobTypeRefreshPrices, delegate(deps.Client, deps.PricingURL+"/refresh"))

	// evaluate_alerts - Evaluate price alerts via the alerts service
	registry.Register(queue.JobTypeEvaluateAlerts, delegate(deps.Client, deps.AlertsURL+"/evaluate"))

	// generate_digest - Generate the research digest via the digest service
	registry.Register(queue.JobTypeGenerateDigest, delegate(deps.Client, deps.DigestURL+"/digest"))

	// parse_statement - Parse an uploaded broker statement via the statements service
	registry.Register(queue.JobTypeParseStatement, delegate(deps.Client, deps.StatementsURL+"/parse"))

	// run_backtest - Run a strategy backtest via the research service
	registry.Register(queue.JobTypeRunBacktest, delegate(deps.Client, deps.ResearchURL+"/backtest"))
}

// delegate builds a handler that forwards the job payload to one endpoint.
func delegate(client ServiceCaller, url string) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return client.Call(ctx, url, payload)
	}
}
