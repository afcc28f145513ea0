// Package platform provides the HTTP client used to call downstream
// platform services (pricing, alerts, digest, statements, research).
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of a service response is read into memory.
// Results are stored in the jobs table, so unbounded bodies are not acceptable.
const maxResponseBytes = 4 << 20 // 4 MiB

// maxErrorSnippet caps how much of an error response body is quoted in errors.
const maxErrorSnippet = 200

// Client calls downstream platform services over HTTP.
// All calls are JSON-in/JSON-out POST requests authenticated with a
// shared bearer token.
type Client struct {
	client *http.Client
	token  string
	log    zerolog.Logger
}

// NewClient creates a platform service client.
// token may be empty, in which case requests are sent unauthenticated.
func NewClient(token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		client: &http.Client{Timeout: timeout},
		token:  token,
		log:    log.With().Str("client", "platform").Logger(),
	}
}

// Call POSTs payload to url and returns the response body.
// A 2xx status returns the body verbatim (nil when the body is empty).
// Any other status or transport failure returns an error; callers treat
// those uniformly as a failed attempt.
func (c *Client) Call(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug().Str("url", url).Int("payload_bytes", len(payload)).Msg("Calling service")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, snippet(body))
	}

	c.log.Debug().Str("url", url).Int("status", resp.StatusCode).Int("response_bytes", len(body)).Msg("Service call succeeded")

	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// snippet returns a truncated, single-line view of a response body for
// inclusion in error messages.
func snippet(body []byte) string {
	s := string(bytes.TrimSpace(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
