package ops

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/loid345/eventrelay/internal/outbox"
)

// recordView is the JSON shape of an outbox row on the ops API.
type recordView struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	ClaimedBy     *string         `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
}

func toView(rec outbox.Record) recordView {
	return recordView{
		ID:            rec.ID,
		EventType:     rec.EventType,
		SchemaVersion: rec.SchemaVersion,
		Payload:       json.RawMessage(rec.Payload),
		Status:        rec.Status.String(),
		RetryCount:    rec.RetryCount,
		NextAttemptAt: rec.NextAttemptAt,
		LastError:     rec.LastError,
		ClaimedBy:     rec.ClaimedBy,
		ClaimedAt:     rec.ClaimedAt,
		CreatedAt:     rec.CreatedAt,
		DispatchedAt:  rec.DispatchedAt,
	}
}

func toViews(recs []outbox.Record) []recordView {
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toView(rec))
	}
	return views
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(name))
}
