package outbox

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
)

// PayloadEnvelope is the structure delivered to downstream systems. The
// event's own payload is carried untouched in Data.
type PayloadEnvelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Attempt       int             `json:"attempt"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps a claimed row for delivery.
func NewEnvelope(event models.OutboxEvent) PayloadEnvelope {
	return PayloadEnvelope{
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		TenantID:      event.TenantID.String(),
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		OccurredAt:    event.CreatedAt.UTC(),
		Attempt:       event.RetryCount + 1,
		Data:          event.Payload.RawMessage(),
	}
}

// Attributes returns flat string metadata for transports that carry headers.
func (e PayloadEnvelope) Attributes() map[string]string {
	return map[string]string{
		"event_id":       e.EventID,
		"event_type":     e.EventType,
		"tenant_id":      e.TenantID,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID,
		"occurred_at":    e.OccurredAt.Format(time.RFC3339Nano),
	}
}
