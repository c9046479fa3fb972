// Package deadletter lets operators inspect, requeue and purge events the
// worker gave up on.
package deadletter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/actor"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/pagination"
)

// MinPurgeAgeHours is the youngest dead letter a purge may remove.
const MinPurgeAgeHours = 1

type ListParams struct {
	Limit     int
	Offset    int
	EventType string
}

type Counts struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"by_type"`
}

type ServiceParams struct {
	DB     *gorm.DB
	Logger *logger.Logger
	Now    func() time.Time
}

type Service struct {
	db   *gorm.DB
	logg *logger.Logger
	now  func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{db: params.DB, logg: params.Logger, now: now}, nil
}

// List returns dead letters newest first.
func (s *Service) List(ctx context.Context, params ListParams) ([]models.OutboxEvent, error) {
	if _, err := s.authorize(ctx, "list"); err != nil {
		return nil, err
	}
	page := pagination.Params{Limit: params.Limit, Offset: params.Offset}.Normalize()

	rows := []models.OutboxEvent{}
	err := s.deadLetters(ctx, params.EventType).
		Order("updated_at DESC").
		Order("created_at DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error
	return rows, err
}

// Count totals dead letters, optionally for a single event type.
func (s *Service) Count(ctx context.Context, eventType string) (Counts, error) {
	if _, err := s.authorize(ctx, "count"); err != nil {
		return Counts{}, err
	}

	var grouped []struct {
		EventType string
		Total     int64
	}
	err := s.deadLetters(ctx, eventType).
		Select("event_type, COUNT(*) AS total").
		Group("event_type").
		Scan(&grouped).Error
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{ByType: make(map[string]int64, len(grouped))}
	for _, row := range grouped {
		counts.ByType[row.EventType] = row.Total
		counts.Total += row.Total
	}
	return counts, nil
}

// RetrySingle requeues one dead letter. retry_count is kept so the next
// failure is judged against the attempts already spent.
func (s *Service) RetrySingle(ctx context.Context, id uuid.UUID) (bool, error) {
	a, err := s.authorize(ctx, "retry_single")
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusDeadLetter).
		Updates(s.requeueColumns())
	if res.Error != nil {
		return false, res.Error
	}
	s.audit(ctx, a, "dead letter requeued", map[string]any{"event_id": id.String(), "requeued": res.RowsAffected})
	return res.RowsAffected > 0, nil
}

// RetryAll requeues every dead letter, optionally for a single event type.
func (s *Service) RetryAll(ctx context.Context, eventType string) (int64, error) {
	a, err := s.authorize(ctx, "retry_all")
	if err != nil {
		return 0, err
	}
	res := s.deadLetters(ctx, eventType).Updates(s.requeueColumns())
	if res.Error != nil {
		return 0, res.Error
	}
	s.audit(ctx, a, "dead letters requeued", map[string]any{"event_type": eventType, "requeued": res.RowsAffected})
	return res.RowsAffected, nil
}

// Purge deletes dead letters created at least olderThanHours ago. Values
// below MinPurgeAgeHours are raised to it.
func (s *Service) Purge(ctx context.Context, olderThanHours int, eventType string) (int64, error) {
	a, err := s.authorize(ctx, "purge")
	if err != nil {
		return 0, err
	}
	if olderThanHours < MinPurgeAgeHours {
		olderThanHours = MinPurgeAgeHours
	}
	cutoff := s.now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)

	res := s.deadLetters(ctx, eventType).
		Where("created_at <= ?", cutoff).
		Delete(&models.OutboxEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	s.audit(ctx, a, "dead letters purged", map[string]any{
		"event_type":       eventType,
		"older_than_hours": olderThanHours,
		"purged":           res.RowsAffected,
	})
	return res.RowsAffected, nil
}

func (s *Service) deadLetters(ctx context.Context, eventType string) *gorm.DB {
	q := s.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("status = ?", enums.OutboxStatusDeadLetter)
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	return q
}

func (s *Service) requeueColumns() map[string]any {
	return map[string]any{
		"status":        enums.OutboxStatusPending,
		"next_retry_at": nil,
		"locked_at":     nil,
		"locked_by":     nil,
		"updated_at":    s.now().UTC(),
	}
}

func (s *Service) authorize(ctx context.Context, op string) (actor.Actor, error) {
	a, err := actor.RequireElevated(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "operation", op), "dead letter operation rejected")
		return actor.Actor{}, err
	}
	return a, nil
}

func (s *Service) audit(ctx context.Context, a actor.Actor, msg string, fields map[string]any) {
	ctx = s.logg.WithActorID(ctx, a.ID)
	ctx = s.logg.WithActorRole(ctx, a.Role.String())
	s.logg.Info(s.logg.WithFields(ctx, fields), msg)
}
