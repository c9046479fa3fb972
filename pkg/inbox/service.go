// Package inbox records inbound notifications under the sender's idempotency
// key so retransmissions collapse to a single effect.
package inbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

const (
	uniqueEventIDConstraint = "ux_inbox_events_event_id"
	maxErrorMessageBytes    = 1024
	defaultListLimit        = 100
)

type ReceiveParams struct {
	EventID   string
	Source    string
	EventType string
	TenantID  *uuid.UUID
	Payload   any
}

// Receipt describes what happened to one delivery. Err carries a failed
// side effect; the delivery itself is still durable.
type Receipt struct {
	ID        uuid.UUID
	EventID   string
	Duplicate bool
	Err       error
}

// Effect runs inside the transaction that marks the event processed.
type Effect func(ctx context.Context, tx *gorm.DB) error

type txRunner interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type Service struct {
	store txRunner
	logg  *logger.Logger
	now   func() time.Time
}

func NewService(store txRunner, logg *logger.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("db client is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{store: store, logg: logg, now: time.Now}, nil
}

// Receive records the delivery through tx. A repeated event_id yields
// Receipt.Duplicate and writes nothing.
func (s *Service) Receive(ctx context.Context, tx *gorm.DB, params ReceiveParams) (Receipt, error) {
	if tx == nil {
		return Receipt{}, errors.New("transaction required")
	}
	if err := validateParams(params); err != nil {
		return Receipt{}, err
	}
	payload, err := dbtypes.NewJSON(params.Payload)
	if err != nil {
		return Receipt{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload must be JSON encodable")
	}

	now := s.now().UTC()
	row := models.InboxEvent{
		ID:        uuid.New(),
		TenantID:  params.TenantID,
		EventID:   strings.TrimSpace(params.EventID),
		Source:    strings.ToLower(strings.TrimSpace(params.Source)),
		EventType: strings.TrimSpace(params.EventType),
		Payload:   payload,
		Status:    enums.InboxStatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	receipt := Receipt{ID: row.ID, EventID: row.EventID}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error, uniqueEventIDConstraint) {
			return s.duplicate(ctx, receipt), nil
		}
		return Receipt{}, res.Error
	}
	if res.RowsAffected == 0 {
		return s.duplicate(ctx, receipt), nil
	}

	s.logg.Info(s.logg.WithFields(ctx, s.fields(row)), "inbox event received")
	return receipt, nil
}

func (s *Service) duplicate(ctx context.Context, receipt Receipt) Receipt {
	s.logg.Info(s.logg.WithField(ctx, "inbox_event_id", receipt.EventID), "duplicate inbox event ignored")
	return Receipt{EventID: receipt.EventID, Duplicate: true}
}

// Handle commits the delivery first, then runs effect and marks the event
// processed in a second transaction. An effect failure marks the event
// failed and is reported on Receipt.Err, never as the returned error.
func (s *Service) Handle(ctx context.Context, params ReceiveParams, effect Effect) (Receipt, error) {
	var receipt Receipt
	err := s.store.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		receipt, err = s.Receive(ctx, tx, params)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Duplicate || effect == nil {
		return receipt, nil
	}

	effectErr := s.store.WithTx(ctx, func(tx *gorm.DB) error {
		if err := effect(ctx, tx); err != nil {
			return err
		}
		_, err := s.MarkProcessed(ctx, tx, receipt.ID)
		return err
	})
	if effectErr == nil {
		return receipt, nil
	}

	receipt.Err = effectErr
	ctx = s.logg.WithField(ctx, "inbox_event_id", receipt.EventID)
	s.logg.Error(ctx, "inbox effect failed", effectErr)
	if _, err := s.MarkFailed(context.WithoutCancel(ctx), s.store.DB(), receipt.ID, effectErr); err != nil {
		s.logg.Error(ctx, "mark inbox event failed", err)
	}
	return receipt, nil
}

// MarkProcessed finalizes an event that has not been processed yet.
func (s *Service) MarkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	now := s.now().UTC()
	res := tx.WithContext(ctx).
		Model(&models.InboxEvent{}).
		Where("id = ? AND status <> ?", id, enums.InboxStatusProcessed).
		Updates(map[string]any{
			"status":        enums.InboxStatusProcessed,
			"processed_at":  now,
			"error_message": nil,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkFailed records cause on an event that has not been processed yet.
func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, cause error) (bool, error) {
	message := ""
	if cause != nil {
		message = pkgerrors.StorableText(cause.Error(), maxErrorMessageBytes)
	}
	res := tx.WithContext(ctx).
		Model(&models.InboxEvent{}).
		Where("id = ? AND status <> ?", id, enums.InboxStatusProcessed).
		Updates(map[string]any{
			"status":        enums.InboxStatusFailed,
			"error_message": message,
			"updated_at":    s.now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// ListUnprocessed returns received or failed events older than olderThan,
// oldest first.
func (s *Service) ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.InboxEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := s.now().UTC().Add(-olderThan)

	rows := []models.InboxEvent{}
	err := s.store.DB().WithContext(ctx).
		Where("status IN ? AND created_at <= ?", []enums.InboxStatus{enums.InboxStatusReceived, enums.InboxStatusFailed}, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func validateParams(params ReceiveParams) error {
	missing := []string{}
	if strings.TrimSpace(params.EventID) == "" {
		missing = append(missing, "event_id")
	}
	if strings.TrimSpace(params.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(params.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid inbox event").WithDetails(map[string]any{"fields": missing})
	}
	return nil
}

func (s *Service) fields(row models.InboxEvent) map[string]any {
	return map[string]any{
		"inbox_event_id": row.EventID,
		"source":         row.Source,
		"event_type":     row.EventType,
		"status":         row.Status,
	}
}
