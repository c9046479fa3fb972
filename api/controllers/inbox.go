package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/api/responses"
	"github.com/angelmondragon/eventrelay/api/validators"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/pagination"
)

const defaultUnprocessedAgeMinutes = 15

type InboxLister interface {
	ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.InboxEvent, error)
}

type inboxEventDTO struct {
	ID           uuid.UUID         `json:"id"`
	EventID      string            `json:"event_id"`
	Source       string            `json:"source"`
	EventType    string            `json:"event_type"`
	Status       enums.InboxStatus `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AdminInboxUnprocessed lists received or failed inbox rows older than older_than_minutes.
func AdminInboxUnprocessed(svc InboxLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minutes, err := validators.ParseQueryInt(r, "older_than_minutes", defaultUnprocessedAgeMinutes, 0, 60*24*30)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListUnprocessed(r.Context(), time.Duration(minutes)*time.Minute, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]inboxEventDTO, 0, len(rows))
		for _, row := range rows {
			items = append(items, inboxEventDTO{
				ID:           row.ID,
				EventID:      row.EventID,
				Source:       row.Source,
				EventType:    row.EventType,
				Status:       row.Status,
				ErrorMessage: row.ErrorMessage,
				CreatedAt:    row.CreatedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}
