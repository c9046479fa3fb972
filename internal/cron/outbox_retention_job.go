package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/eventrelay/pkg/logger"
)

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository outboxRetentionRepo
	// RetentionDays of zero disables the job.
	RetentionDays int
}

type outboxRetentionRepo interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewOutboxRetentionJob returns a nil Job when retention is disabled.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.RetentionDays <= 0 {
		return nil, nil
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		repo:      params.Repository,
		retention: params.RetentionDays,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	repo      outboxRetentionRepo
	retention int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

// Run deletes sent rows processed before the cutoff. Dead letters are kept.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}
