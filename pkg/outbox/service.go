package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

// Event is what a domain write path hands to Enqueue.
type Event struct {
	TenantID      uuid.UUID
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       any
	// MaxRetries overrides the policy budget for this row when positive.
	MaxRetries int
}

type inserter interface {
	Insert(tx *gorm.DB, event *models.OutboxEvent) error
}

type Service struct {
	repo inserter
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo inserter, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Enqueue records event inside tx. The row exists only if tx commits.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, event Event) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, ErrTransactionRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateEvent(event); err != nil {
		return uuid.Nil, err
	}

	payload, err := dbtypes.NewJSON(event.Payload)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload must be JSON encodable")
	}

	now := s.now().UTC()
	row := &models.OutboxEvent{
		ID:            uuid.New(),
		TenantID:      event.TenantID,
		EventType:     strings.TrimSpace(event.EventType),
		AggregateType: strings.TrimSpace(event.AggregateType),
		AggregateID:   strings.TrimSpace(event.AggregateID),
		Payload:       payload,
		Status:        enums.OutboxStatusPending,
		MaxRetries:    event.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(tx.WithContext(ctx), row); err != nil {
		return uuid.Nil, err
	}

	if s.logg != nil {
		fields := map[string]any{
			"event_id":       row.ID.String(),
			"event_type":     row.EventType,
			"aggregate_id":   row.AggregateID,
			"aggregate_type": row.AggregateType,
			"tenant_id":      row.TenantID.String(),
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event queued")
	}
	return row.ID, nil
}

func validateEvent(event Event) error {
	missing := []string{}
	if strings.TrimSpace(event.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if strings.TrimSpace(event.AggregateType) == "" {
		missing = append(missing, "aggregate_type")
	}
	if strings.TrimSpace(event.AggregateID) == "" {
		missing = append(missing, "aggregate_id")
	}
	if event.MaxRetries < 0 {
		missing = append(missing, "max_retries")
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid outbox event").WithDetails(map[string]any{"fields": missing})
	}
	return nil
}
