package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/event"
)

// SearchIndexer forwards content changes to the search service's indexing
// endpoint. Deletes and archives are sent to the same endpoint; the search
// service decides between upsert and remove based on the event type header.
type SearchIndexer struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewSearchIndexer(baseURL string, timeoutMs int, log *zap.Logger) *SearchIndexer {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &SearchIndexer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		log:     log,
	}
}

func (h *SearchIndexer) Name() string { return "search-indexer" }

func (h *SearchIndexer) Handles(ev event.Event) bool {
	switch ev.(type) {
	case event.NodeCreated, event.NodeUpdated, event.NodeDeleted,
		event.ProductPublished, event.ProductArchived:
		return true
	default:
		return false
	}
}

func (h *SearchIndexer) Handle(ctx context.Context, env *event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("search marshal %s: %w", env.EventType(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/internal/index", bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", env.EventType())

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("search index %s: status=%d", env.EventType(), res.StatusCode)
	}

	return nil
}

func (h *SearchIndexer) OnError(_ context.Context, env *event.Envelope, err error) {
	h.log.Error("search indexing gave up",
		zap.String("event_id", env.ID.String()),
		zap.String("event_type", env.EventType()),
		zap.Error(err))
}
