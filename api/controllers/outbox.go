package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/api/responses"
	"github.com/angelmondragon/eventrelay/api/validators"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox/deadletter"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

// DeadLetterService is the admin surface over dead-lettered outbox events.
type DeadLetterService interface {
	List(ctx context.Context, params deadletter.ListParams) ([]models.OutboxEvent, error)
	Count(ctx context.Context, eventType string) (deadletter.Counts, error)
	RetrySingle(ctx context.Context, id uuid.UUID) (bool, error)
	RetryAll(ctx context.Context, eventType string) (int64, error)
	Purge(ctx context.Context, olderThanHours int, eventType string) (int64, error)
}

// QueueMonitor is the admin surface over queue health.
type QueueMonitor interface {
	CollectMetrics(ctx context.Context) (monitor.QueueMetrics, error)
	CheckStuckEvents(ctx context.Context) ([]monitor.StuckEvent, error)
	ForceReleaseStuck(ctx context.Context, id uuid.UUID) (bool, error)
}

type outboxEventDTO struct {
	ID            uuid.UUID          `json:"id"`
	TenantID      uuid.UUID          `json:"tenant_id"`
	EventType     string             `json:"event_type"`
	AggregateType string             `json:"aggregate_type"`
	AggregateID   string             `json:"aggregate_id"`
	Payload       any                `json:"payload"`
	Status        enums.OutboxStatus `json:"status"`
	RetryCount    int                `json:"retry_count"`
	MaxRetries    int                `json:"max_retries"`
	ErrorMessage  *string            `json:"error_message,omitempty"`
	LockedBy      *string            `json:"locked_by,omitempty"`
	LockedAt      *time.Time         `json:"locked_at,omitempty"`
	NextRetryAt   *time.Time         `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func newOutboxEventDTO(row models.OutboxEvent) outboxEventDTO {
	return outboxEventDTO{
		ID:            row.ID,
		TenantID:      row.TenantID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		Status:        row.Status,
		RetryCount:    row.RetryCount,
		MaxRetries:    row.MaxRetries,
		ErrorMessage:  row.ErrorMessage,
		LockedBy:      row.LockedBy,
		LockedAt:      row.LockedAt,
		NextRetryAt:   row.NextRetryAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func eventIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "eventID")))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event id")
	}
	return id, nil
}

// AdminDeadLetterList returns one page of dead letters, most recently failed first.
func AdminDeadLetterList(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		eventType, err := validators.ParseEventTypeFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.List(r.Context(), deadletter.ListParams{Limit: page.Limit, Offset: page.Offset, EventType: eventType})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]outboxEventDTO, 0, len(rows))
		for _, row := range rows {
			items = append(items, newOutboxEventDTO(row))
		}
		responses.WriteSuccess(w, map[string]any{
			"items":  items,
			"limit":  page.Limit,
			"offset": page.Offset,
		})
	}
}

func AdminDeadLetterCount(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventType, err := validators.ParseEventTypeFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		counts, err := svc.Count(r.Context(), eventType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, counts)
	}
}

func AdminDeadLetterRetry(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := eventIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ok, err := svc.RetrySingle(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "requeued": true})
	}
}

type retryAllRequest struct {
	EventType string `json:"event_type" validate:"omitempty,max=128,printascii,excludesall= "`
}

func AdminDeadLetterRetryAll(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body retryAllRequest
		if err := validators.DecodeOptionalJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := svc.RetryAll(r.Context(), strings.TrimSpace(body.EventType))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"requeued": n})
	}
}

// OlderThanHours is a pointer so an omitted field is rejected rather than
// read as 0, which the service floors to one hour.
type purgeRequest struct {
	OlderThanHours *int   `json:"older_than_hours" validate:"required,gte=0"`
	EventType      string `json:"event_type" validate:"omitempty,max=128,printascii,excludesall= "`
}

func AdminDeadLetterPurge(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body purgeRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := svc.Purge(r.Context(), *body.OlderThanHours, strings.TrimSpace(body.EventType))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"purged": n})
	}
}

type pendingAgeDTO struct {
	AvgSeconds      float64    `json:"avg_seconds"`
	MaxSeconds      float64    `json:"max_seconds"`
	P95Seconds      float64    `json:"p95_seconds"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

type queueMetricsDTO struct {
	CollectedAt  time.Time                    `json:"collected_at"`
	StatusCounts map[enums.OutboxStatus]int64 `json:"status_counts"`
	StuckCount   int64                        `json:"stuck_count"`
	PendingAge   pendingAgeDTO                `json:"pending_age"`
	InboxCounts  map[enums.InboxStatus]int64  `json:"inbox_counts"`
	InboxStale   int64                        `json:"inbox_stale"`
}

func AdminQueueMetrics(mon QueueMonitor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := mon.CollectMetrics(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, queueMetricsDTO{
			CollectedAt:  m.CollectedAt,
			StatusCounts: m.StatusCounts,
			StuckCount:   m.StuckCount,
			PendingAge: pendingAgeDTO{
				AvgSeconds:      m.PendingAge.Avg.Seconds(),
				MaxSeconds:      m.PendingAge.Max.Seconds(),
				P95Seconds:      m.PendingAge.P95.Seconds(),
				OldestPendingAt: m.PendingAge.OldestPendingAt,
			},
			InboxCounts: m.InboxCounts,
			InboxStale:  m.InboxStale,
		})
	}
}

type stuckEventDTO struct {
	outboxEventDTO
	StuckForSeconds float64 `json:"stuck_for_seconds"`
}

func AdminStuckEvents(mon QueueMonitor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stuck, err := mon.CheckStuckEvents(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]stuckEventDTO, 0, len(stuck))
		for _, ev := range stuck {
			items = append(items, stuckEventDTO{outboxEventDTO: newOutboxEventDTO(ev.OutboxEvent), StuckForSeconds: ev.StuckFor.Seconds()})
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}

func AdminReleaseStuck(mon QueueMonitor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := eventIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ok, err := mon.ForceReleaseStuck(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "event is not stuck").
				WithDetails(map[string]any{"id": id}))
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "released": true})
	}
}
