package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/pkg/actor"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

type fakeCollector struct {
	metrics monitor.QueueMetrics
	err     error
	calls   int
}

func (f *fakeCollector) CollectMetrics(context.Context) (monitor.QueueMetrics, error) {
	f.calls++
	return f.metrics, f.err
}

func TestQueueMetricsJob(t *testing.T) {
	collector := &fakeCollector{metrics: monitor.QueueMetrics{
		StatusCounts: map[enums.OutboxStatus]int64{enums.OutboxStatusDeadLetter: 2},
		StuckCount:   1,
	}}
	job, err := NewQueueMetricsJob(testLogger(), collector)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if job.Name() != "outbox-queue-metrics" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if collector.calls != 1 {
		t.Fatalf("expected one collection, got %d", collector.calls)
	}

	collector.err = errors.New("db down")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected collection error")
	}
}

type fakeStuckMonitor struct {
	stuck     []monitor.StuckEvent
	released  []uuid.UUID
	releaseBy []actor.Actor
}

func (f *fakeStuckMonitor) CheckStuckEvents(context.Context) ([]monitor.StuckEvent, error) {
	return f.stuck, nil
}

func (f *fakeStuckMonitor) ForceReleaseStuck(ctx context.Context, id uuid.UUID) (bool, error) {
	a, _ := actor.FromContext(ctx)
	f.releaseBy = append(f.releaseBy, a)
	f.released = append(f.released, id)
	return true, nil
}

func stuckEvents() []monitor.StuckEvent {
	owner := "worker-1/abc"
	return []monitor.StuckEvent{
		{OutboxEvent: models.OutboxEvent{ID: uuid.New(), EventType: "payment.captured", LockedBy: &owner}, StuckFor: 9 * time.Minute},
		{OutboxEvent: models.OutboxEvent{ID: uuid.New(), EventType: "email.sent"}, StuckFor: 6 * time.Minute},
	}
}

func TestStuckEventsJobOnlyReportsByDefault(t *testing.T) {
	mon := &fakeStuckMonitor{stuck: stuckEvents()}
	job, err := NewStuckEventsJob(StuckEventsJobParams{Logger: testLogger(), Monitor: mon})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(mon.released) != 0 {
		t.Fatalf("expected no releases, got %d", len(mon.released))
	}
}

func TestStuckEventsJobAutoReleasesAsSystem(t *testing.T) {
	mon := &fakeStuckMonitor{stuck: stuckEvents()}
	job, err := NewStuckEventsJob(StuckEventsJobParams{Logger: testLogger(), Monitor: mon, AutoRelease: true})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(mon.released) != 2 {
		t.Fatalf("expected two releases, got %d", len(mon.released))
	}
	for _, a := range mon.releaseBy {
		if a != actor.System {
			t.Fatalf("expected system actor, got %+v", a)
		}
	}
}

type fakeLister struct {
	rows      []models.InboxEvent
	olderThan time.Duration
	limit     int
}

func (f *fakeLister) ListUnprocessed(_ context.Context, olderThan time.Duration, limit int) ([]models.InboxEvent, error) {
	f.olderThan = olderThan
	f.limit = limit
	return f.rows, nil
}

func TestInboxReconcileJobUsesDefaults(t *testing.T) {
	msg := "ledger unavailable"
	lister := &fakeLister{rows: []models.InboxEvent{
		{ID: uuid.New(), EventID: "evt_1", Source: "stripe", Status: enums.InboxStatusReceived},
		{ID: uuid.New(), EventID: "evt_2", Source: "stripe", Status: enums.InboxStatusFailed, ErrorMessage: &msg},
	}}
	job, err := NewInboxReconcileJob(InboxReconcileJobParams{Logger: testLogger(), Inbox: lister})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if lister.olderThan != defaultReconcileAfter || lister.limit != defaultReconcileLimit {
		t.Fatalf("unexpected args %v %d", lister.olderThan, lister.limit)
	}

	job, _ = NewInboxReconcileJob(InboxReconcileJobParams{Logger: testLogger(), Inbox: lister, After: time.Hour, Limit: 5})
	_ = job.Run(context.Background())
	if lister.olderThan != time.Hour || lister.limit != 5 {
		t.Fatalf("unexpected args %v %d", lister.olderThan, lister.limit)
	}
}

func TestJobConstructorsValidate(t *testing.T) {
	if _, err := NewQueueMetricsJob(nil, &fakeCollector{}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewStuckEventsJob(StuckEventsJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected monitor error")
	}
	if _, err := NewInboxReconcileJob(InboxReconcileJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected inbox error")
	}
}
