package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loid345/eventrelay/internal/event"
)

func webhookEnvelope(t *testing.T) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(uuid.New(), nil, event.ProductArchived{ProductID: uuid.New()})
	require.NoError(t, err)
	return env
}

func TestWebhookTransport_Publish(t *testing.T) {
	var gotType, gotID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Event-Type")
		gotID = r.Header.Get("X-Event-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{Name: "test", URL: srv.URL})
	env := webhookEnvelope(t)

	require.NoError(t, tr.Publish(context.Background(), env))
	assert.Equal(t, "product.archived", gotType)
	assert.Equal(t, env.ID.String(), gotID)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.Equal(t, env.ID.String(), wire["id"])
	assert.Equal(t, "product.archived", wire["kind"])
}

func TestWebhookTransport_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{Name: "test", URL: srv.URL})
	err := tr.Publish(context.Background(), webhookEnvelope(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
}

func TestWebhookTransport_BreakerOpensAfterThreshold(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{
		Name:          "test",
		URL:           srv.URL,
		FailThreshold: 2,
		OpenForMs:     60_000,
	})
	ctx := context.Background()

	require.Error(t, tr.Publish(ctx, webhookEnvelope(t)))
	require.Error(t, tr.Publish(ctx, webhookEnvelope(t)))
	assert.Equal(t, int64(2), hits.Load())

	// breaker is open now: no request leaves the process
	err := tr.Publish(ctx, webhookEnvelope(t))
	require.ErrorIs(t, err, ErrWebhookUnavailable)
	assert.Equal(t, int64(2), hits.Load())
}

func TestWebhookTransport_BreakerProbesAndRecloses(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{
		Name:          "test",
		URL:           srv.URL,
		FailThreshold: 1,
		OpenForMs:     20,
	})
	ctx := context.Background()

	require.Error(t, tr.Publish(ctx, webhookEnvelope(t)))
	require.ErrorIs(t, tr.Publish(ctx, webhookEnvelope(t)), ErrWebhookUnavailable)

	// after the open window a probe goes through and success recloses
	fail.Store(false)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Publish(ctx, webhookEnvelope(t)))
	require.NoError(t, tr.Publish(ctx, webhookEnvelope(t)))
}

func TestWebhookBreaker_HalfOpenFailureReopens(t *testing.T) {
	br := newWebhookBreaker(1, 10*time.Millisecond)

	assert.True(t, br.tryAcquire())
	br.onFailure()
	assert.False(t, br.tryAcquire(), "open breaker rejects")

	time.Sleep(20 * time.Millisecond)
	assert.True(t, br.tryAcquire(), "open window elapsed, probe allowed")
	assert.False(t, br.tryAcquire(), "only one probe at a time")
	br.onFailure()
	assert.False(t, br.tryAcquire(), "failed probe reopens the breaker")
}
