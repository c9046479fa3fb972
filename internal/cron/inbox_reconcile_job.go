package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

const (
	defaultReconcileAfter = 15 * time.Minute
	defaultReconcileLimit = 100
)

type unprocessedLister interface {
	ListUnprocessed(ctx context.Context, olderThan time.Duration, limit int) ([]models.InboxEvent, error)
}

type InboxReconcileJobParams struct {
	Logger *logger.Logger
	Inbox  unprocessedLister
	After  time.Duration
	Limit  int
}

// NewInboxReconcileJob reports inbox rows whose effect never completed.
func NewInboxReconcileJob(params InboxReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Inbox == nil {
		return nil, fmt.Errorf("inbox service required")
	}
	after := params.After
	if after <= 0 {
		after = defaultReconcileAfter
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &inboxReconcileJob{
		logg:  params.Logger,
		inbox: params.Inbox,
		after: after,
		limit: limit,
	}, nil
}

type inboxReconcileJob struct {
	logg  *logger.Logger
	inbox unprocessedLister
	after time.Duration
	limit int
}

func (j *inboxReconcileJob) Name() string { return "inbox-reconcile" }

func (j *inboxReconcileJob) Run(ctx context.Context) error {
	rows, err := j.inbox.ListUnprocessed(ctx, j.after, j.limit)
	if err != nil {
		return fmt.Errorf("list unprocessed inbox events: %w", err)
	}
	counts := map[enums.InboxStatus]int{}
	for _, row := range rows {
		counts[row.Status]++
		fields := map[string]any{
			"inbox_event_id": row.ID.String(),
			"source":         row.Source,
			"event_type":     row.EventType,
			"status":         string(row.Status),
			"received_at":    row.CreatedAt,
		}
		if row.ErrorMessage != nil {
			fields["last_error"] = *row.ErrorMessage
		}
		j.logg.Warn(j.logg.WithEventID(j.logg.WithFields(ctx, fields), row.EventID), "inbox event not processed")
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"received":      counts[enums.InboxStatusReceived],
		"failed":        counts[enums.InboxStatusFailed],
		"older_than_s":  j.after.Seconds(),
		"limit_reached": len(rows) >= j.limit,
	}), "inbox reconcile complete")
	return nil
}
