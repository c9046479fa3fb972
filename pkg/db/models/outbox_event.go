package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
)

// OutboxEvent is one durable, at-least-once notification of a domain change.
type OutboxEvent struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID          `gorm:"column:tenant_id;type:uuid;not null"`
	EventType     string             `gorm:"column:event_type;not null;index:idx_outbox_events_status_event_type,priority:2"`
	AggregateType string             `gorm:"column:aggregate_type;not null"`
	AggregateID   string             `gorm:"column:aggregate_id;not null"`
	Payload       dbtypes.JSON       `gorm:"column:payload;type:jsonb;not null"`
	Status        enums.OutboxStatus `gorm:"column:status;not null;index:idx_outbox_events_claim,priority:1;index:idx_outbox_events_status_locked_at,priority:1;index:idx_outbox_events_status_event_type,priority:1"`
	LockedAt      *time.Time         `gorm:"column:locked_at;index:idx_outbox_events_status_locked_at,priority:2"`
	LockedBy      *string            `gorm:"column:locked_by"`
	RetryCount    int                `gorm:"column:retry_count;not null"`
	MaxRetries    int                `gorm:"column:max_retries;not null"`
	NextRetryAt   *time.Time         `gorm:"column:next_retry_at;index:idx_outbox_events_claim,priority:2"`
	ErrorMessage  *string            `gorm:"column:error_message"`
	ProcessedAt   *time.Time         `gorm:"column:processed_at"`
	CreatedAt     time.Time          `gorm:"column:created_at;not null;index:idx_outbox_events_claim,priority:3"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;not null"`
}

func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// BeforeCreate assigns an id when the producer did not supply one.
func (e *OutboxEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = enums.OutboxStatusPending
	}
	return nil
}
