package platform

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apptesting "github.com/aristath/stoker/internal/testing"
)

func TestClient_Call(t *testing.T) {
	svc := apptesting.NewMockService(200, `{"refreshed":12}`)
	defer svc.Close()

	client := NewClient("secret-token", 5*time.Second, zerolog.Nop())

	result, err := client.Call(context.Background(), svc.URL(), json.RawMessage(`{"symbols":["AAPL"]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"refreshed":12}`, string(result))

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "Bearer secret-token", reqs[0].Authorization)
	assert.Equal(t, "application/json", reqs[0].ContentType)
	assert.JSONEq(t, `{"symbols":["AAPL"]}`, string(reqs[0].Body))
}

func TestClient_CallWithoutToken(t *testing.T) {
	svc := apptesting.NewMockService(200, `{}`)
	defer svc.Close()

	client := NewClient("", 5*time.Second, zerolog.Nop())

	_, err := client.Call(context.Background(), svc.URL(), nil)
	require.NoError(t, err)

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Authorization)

	// A nil payload is sent as an empty JSON object.
	assert.JSONEq(t, `{}`, string(reqs[0].Body))
}

func TestClient_CallErrorStatus(t *testing.T) {
	svc := apptesting.NewMockService(502, `{"error":"upstream unavailable"}`)
	defer svc.Close()

	client := NewClient("", 5*time.Second, zerolog.Nop())

	result, err := client.Call(context.Background(), svc.URL(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestClient_CallEmptyBody(t *testing.T) {
	svc := apptesting.NewMockService(204, "")
	defer svc.Close()

	client := NewClient("", 5*time.Second, zerolog.Nop())

	result, err := client.Call(context.Background(), svc.URL(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestClient_CallUnreachableService(t *testing.T) {
	client := NewClient("", 500*time.Millisecond, zerolog.Nop())

	// Port 1 is reserved and nothing listens there.
	_, err := client.Call(context.Background(), "http://127.0.0.1:1/refresh", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_CallRespectsContextCancellation(t *testing.T) {
	svc := apptesting.NewMockService(200, `{}`)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("", 5*time.Second, zerolog.Nop())

	_, err := client.Call(ctx, svc.URL(), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "(empty body)", snippet(nil))
	assert.Equal(t, "short", snippet([]byte("  short \n")))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	s := snippet(long)
	assert.Len(t, s, maxErrorSnippet+3)
	assert.Contains(t, s, "...")
}
