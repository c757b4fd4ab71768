package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/event"
)

// AuditLogger appends every delivered event to the ClickHouse audit table.
// Inserts are keyed by event id, so replays produce duplicate rows that
// collapse in the ReplacingMergeTree table.
type AuditLogger struct {
	ch    *sqlx.DB
	table string
	log   *zap.Logger
}

func NewAuditLogger(ch *sqlx.DB, table string, log *zap.Logger) *AuditLogger {
	if table == "" {
		table = "event_audit"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditLogger{ch: ch, table: table, log: log}
}

func (h *AuditLogger) Name() string { return "audit-logger" }

// Handles accepts everything: the audit trail is complete by definition.
func (h *AuditLogger) Handles(event.Event) bool { return true }

func (h *AuditLogger) Handle(ctx context.Context, env *event.Envelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("audit marshal %s: %w", env.EventType(), err)
	}

	actor := ""
	if env.ActorID != nil {
		actor = env.ActorID.String()
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (event_id, tenant_id, actor_id, event_type, schema_version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.table)

	if _, err := h.ch.ExecContext(ctx, q,
		env.ID.String(), env.TenantID.String(), actor,
		env.EventType(), env.SchemaVersion, string(payload), env.CreatedAt); err != nil {
		return fmt.Errorf("audit insert %s: %w", env.EventType(), err)
	}
	return nil
}

func (h *AuditLogger) OnError(_ context.Context, env *event.Envelope, err error) {
	h.log.Error("audit write gave up",
		zap.String("event_id", env.ID.String()),
		zap.String("event_type", env.EventType()),
		zap.Error(err))
}
