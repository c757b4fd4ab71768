package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loid345/eventrelay/internal/event"
)

func contentEnvelope(t *testing.T, ev event.Event) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(uuid.New(), nil, ev)
	require.NoError(t, err)
	return env
}

func TestCacheInvalidator_Handles(t *testing.T) {
	h := NewCacheInvalidator(nil, "cache:node:", nil)

	assert.True(t, h.Handles(event.NodeUpdated{}))
	assert.True(t, h.Handles(event.ProductArchived{}))
	assert.False(t, h.Handles(event.UserRegistered{}), "user events touch no content cache")
	assert.False(t, h.Handles(event.CommentCreated{}))
}

func TestCacheInvalidator_KeysFor(t *testing.T) {
	h := NewCacheInvalidator(nil, "cache:node:", nil)

	nodeID := uuid.New()
	env := contentEnvelope(t, event.NodeUpdated{NodeID: nodeID, Title: "t"})
	keys := h.keysFor(env)
	require.Len(t, keys, 1)
	assert.Equal(t, "cache:node:"+env.TenantID.String()+":"+nodeID.String(), keys[0])

	productID := uuid.New()
	env = contentEnvelope(t, event.ProductPublished{ProductID: productID, SKU: "SKU-1"})
	keys = h.keysFor(env)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], productID.String())
}

func TestSearchIndexer_Handle(t *testing.T) {
	var gotType string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Event-Type")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewSearchIndexer(srv.URL, 0, nil)
	env := contentEnvelope(t, event.NodeCreated{NodeID: uuid.New(), Title: "t", Slug: "t"})

	require.NoError(t, h.Handle(context.Background(), env))
	assert.Equal(t, "node.created", gotType)
	assert.Equal(t, "/internal/index", gotPath)
}

func TestSearchIndexer_HandleNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewSearchIndexer(srv.URL, 0, nil)
	env := contentEnvelope(t, event.NodeDeleted{NodeID: uuid.New()})

	err := h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestSearchIndexer_Handles(t *testing.T) {
	h := NewSearchIndexer("http://search", 0, nil)

	assert.True(t, h.Handles(event.NodeCreated{}))
	assert.True(t, h.Handles(event.ProductPublished{}))
	assert.False(t, h.Handles(event.UserRegistered{}))
}

func TestAuditLogger_HandlesEverything(t *testing.T) {
	h := NewAuditLogger(nil, "event_audit", nil)

	assert.True(t, h.Handles(event.NodeCreated{}))
	assert.True(t, h.Handles(event.UserRegistered{}))
	assert.True(t, h.Handles(event.CommentCreated{}))
}
