package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/pkg/actor"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

type stuckEventMonitor interface {
	CheckStuckEvents(ctx context.Context) ([]monitor.StuckEvent, error)
	ForceReleaseStuck(ctx context.Context, id uuid.UUID) (bool, error)
}

type StuckEventsJobParams struct {
	Logger  *logger.Logger
	Monitor stuckEventMonitor
	// AutoRelease returns stuck rows to pending as the system actor.
	AutoRelease bool
}

func NewStuckEventsJob(params StuckEventsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Monitor == nil {
		return nil, fmt.Errorf("queue monitor required")
	}
	return &stuckEventsJob{
		logg:        params.Logger,
		monitor:     params.Monitor,
		autoRelease: params.AutoRelease,
	}, nil
}

type stuckEventsJob struct {
	logg        *logger.Logger
	monitor     stuckEventMonitor
	autoRelease bool
}

func (j *stuckEventsJob) Name() string { return "outbox-stuck-events" }

func (j *stuckEventsJob) Run(ctx context.Context) error {
	stuck, err := j.monitor.CheckStuckEvents(ctx)
	if err != nil {
		return fmt.Errorf("check stuck events: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	sysCtx := actor.WithActor(ctx, actor.System)
	released := 0
	for _, ev := range stuck {
		evCtx := j.logg.WithFields(ctx, map[string]any{
			"event_id":    ev.ID.String(),
			"event_type":  ev.EventType,
			"stuck_for_s": ev.StuckFor.Seconds(),
		})
		if ev.LockedBy != nil {
			evCtx = j.logg.WithField(evCtx, "locked_by", *ev.LockedBy)
		}
		if !j.autoRelease {
			j.logg.Warn(evCtx, "outbox event stuck in processing")
			continue
		}
		ok, err := j.monitor.ForceReleaseStuck(sysCtx, ev.ID)
		if err != nil {
			return fmt.Errorf("release stuck event %s: %w", ev.ID, err)
		}
		if ok {
			released++
			j.logg.Warn(evCtx, "released stuck outbox event")
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"stuck":    len(stuck),
		"released": released,
	}), "stuck event check complete")
	return nil
}
