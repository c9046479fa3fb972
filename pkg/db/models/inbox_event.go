package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
)

// InboxEvent records an externally sourced notification keyed by the
// sender's idempotency key. The unique index on event_id is the dedup.
type InboxEvent struct {
	ID           uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	TenantID     *uuid.UUID        `gorm:"column:tenant_id;type:uuid"`
	EventID      string            `gorm:"column:event_id;not null;uniqueIndex:ux_inbox_events_event_id"`
	Source       string            `gorm:"column:source;not null"`
	EventType    string            `gorm:"column:event_type;not null"`
	Payload      dbtypes.JSON      `gorm:"column:payload;type:jsonb;not null"`
	Status       enums.InboxStatus `gorm:"column:status;not null;index:idx_inbox_events_status_created_at,priority:1"`
	ProcessedAt  *time.Time        `gorm:"column:processed_at"`
	ErrorMessage *string           `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at;not null;index:idx_inbox_events_status_created_at,priority:2"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;not null"`
}

func (InboxEvent) TableName() string {
	return "inbox_events"
}

func (e *InboxEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = enums.InboxStatusReceived
	}
	return nil
}
