// Package handlers contains the platform's built-in event consumers:
// cache invalidation, audit logging and search indexing. Each one is an
// eventbus.Handler and must be idempotent, since delivery through the
// outbox is at-least-once.
package handlers

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/event"
)

// CacheInvalidator drops cached render entries for content that changed.
type CacheInvalidator struct {
	rdb       *redis.Client
	keyPrefix string
	log       *zap.Logger
}

func NewCacheInvalidator(rdb *redis.Client, keyPrefix string, log *zap.Logger) *CacheInvalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &CacheInvalidator{rdb: rdb, keyPrefix: keyPrefix, log: log}
}

func (h *CacheInvalidator) Name() string { return "cache-invalidator" }

func (h *CacheInvalidator) Handles(ev event.Event) bool {
	switch ev.(type) {
	case event.NodeCreated, event.NodeUpdated, event.NodeDeleted,
		event.ProductPublished, event.ProductArchived:
		return true
	default:
		return false
	}
}

func (h *CacheInvalidator) Handle(ctx context.Context, env *event.Envelope) error {
	keys := h.keysFor(env)
	if len(keys) == 0 {
		return nil
	}

	if err := h.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate %v: %w", keys, err)
	}

	h.log.Debug("cache invalidated",
		zap.String("event_type", env.EventType()),
		zap.Strings("keys", keys))
	return nil
}

func (h *CacheInvalidator) OnError(_ context.Context, env *event.Envelope, err error) {
	h.log.Error("cache invalidation gave up",
		zap.String("event_id", env.ID.String()),
		zap.String("event_type", env.EventType()),
		zap.Error(err))
}

// keysFor maps an event to the tenant-scoped cache keys it stales.
func (h *CacheInvalidator) keysFor(env *event.Envelope) []string {
	tenant := env.TenantID.String()

	switch ev := env.Event.(type) {
	case event.NodeCreated:
		return []string{h.keyPrefix + tenant + ":" + ev.NodeID.String()}
	case event.NodeUpdated:
		return []string{h.keyPrefix + tenant + ":" + ev.NodeID.String()}
	case event.NodeDeleted:
		return []string{h.keyPrefix + tenant + ":" + ev.NodeID.String()}
	case event.ProductPublished:
		return []string{h.keyPrefix + tenant + ":" + ev.ProductID.String()}
	case event.ProductArchived:
		return []string{h.keyPrefix + tenant + ":" + ev.ProductID.String()}
	default:
		return nil
	}
}
