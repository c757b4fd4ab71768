package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loid345/eventrelay/internal/event"
)

// ErrWebhookUnavailable is returned while the breaker is open; the relay
// treats it like any other transport failure and retries with backoff.
var ErrWebhookUnavailable = errors.New("webhook endpoint unavailable")

type WebhookConfig struct {
	Name          string
	URL           string
	TimeoutMs     int // default 3000
	FailThreshold int // default 3
	OpenForMs     int // default 15000
}

// WebhookTransport POSTs envelopes as JSON to an external consumer. A
// breaker keeps a flapping endpoint from eating the retry budget of every
// claimed row in a batch.
type WebhookTransport struct {
	name   string
	url    string
	client *http.Client
	br     *webhookBreaker
}

func NewWebhookTransport(c WebhookConfig) *WebhookTransport {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 3000
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.OpenForMs <= 0 {
		c.OpenForMs = 15000
	}

	return &WebhookTransport{
		name:   c.Name,
		url:    c.URL,
		client: &http.Client{Timeout: time.Duration(c.TimeoutMs) * time.Millisecond},
		br:     newWebhookBreaker(c.FailThreshold, time.Duration(c.OpenForMs)*time.Millisecond),
	}
}

func (t *WebhookTransport) Publish(ctx context.Context, env *event.Envelope) error {
	if !t.br.tryAcquire() {
		return fmt.Errorf("%w: %s", ErrWebhookUnavailable, t.name)
	}

	if err := t.post(ctx, env); err != nil {
		t.br.onFailure()
		return err
	}

	t.br.onSuccess()
	return nil
}

func (t *WebhookTransport) Reliability() Reliability { return ReliabilityBestEffort }

func (t *WebhookTransport) post(ctx context.Context, env *event.Envelope) error {
	body, err := env.MarshalJSON()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", env.EventType())
	req.Header.Set("X-Event-Id", env.ID.String())

	res, err := t.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("webhook=%s status=%d", t.name, res.StatusCode)
	}

	return nil
}
