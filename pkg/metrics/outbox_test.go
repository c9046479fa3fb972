package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

func TestOutboxWorkerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxWorkerMetrics(reg)
	m.ObserveClaim(3, 20*time.Millisecond)
	m.ObserveDispatch("payment.captured", "sent", 150*time.Millisecond)
	m.ObserveDispatch("payment.captured", "retry", 0)
	m.ObserveDispatch("payment.captured", "retry", time.Second)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	mf := findMetricFamily(mfs, "eventrelay_outbox_dispatch_total")
	if mf == nil {
		t.Fatalf("dispatch counter missing")
	}
	var retries float64
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), "outcome", "retry") {
			retries = metric.GetCounter().GetValue()
		}
	}
	if retries != 2 {
		t.Fatalf("expected 2 retries, got %f", retries)
	}

	if got, err := fetchHistogramSum(mfs, "eventrelay_outbox_dispatch_duration_seconds", "event_type", "payment.captured"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got < 1.1 || got > 1.2 {
		t.Fatalf("unexpected dispatch duration sum %f", got)
	}

	claim := findMetricFamily(mfs, "eventrelay_outbox_claim_batch_size")
	if claim == nil || claim.GetMetric()[0].GetHistogram().GetSampleSum() != 3 {
		t.Fatalf("unexpected claim histogram %v", claim)
	}
}

func TestQueueSinkSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewQueueSink(reg)
	oldest := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink.RecordQueueMetrics(monitor.QueueMetrics{
		CollectedAt: oldest.Add(time.Hour),
		StatusCounts: map[enums.OutboxStatus]int64{
			enums.OutboxStatusPending:    7,
			enums.OutboxStatusDeadLetter: 2,
		},
		StuckCount: 1,
		PendingAge: monitor.PendingAge{
			Avg:             30 * time.Second,
			Max:             time.Hour,
			P95:             10 * time.Minute,
			OldestPendingAt: &oldest,
		},
		InboxCounts: map[enums.InboxStatus]int64{enums.InboxStatusFailed: 4},
		InboxStale:  3,
	})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	assertGauge(t, mfs, "eventrelay_outbox_events", "status", "pending", 7)
	assertGauge(t, mfs, "eventrelay_outbox_events", "status", "dead_letter", 2)
	assertGauge(t, mfs, "eventrelay_outbox_pending_age_seconds", "stat", "p95", 600)
	assertGauge(t, mfs, "eventrelay_inbox_events", "status", "failed", 4)
	assertGauge(t, mfs, "eventrelay_outbox_stuck_events", "", "", 1)
	assertGauge(t, mfs, "eventrelay_outbox_oldest_pending_timestamp_seconds", "", "", float64(oldest.Unix()))
}

func TestNilSinksAreNoops(t *testing.T) {
	NewQueueSink(nil).RecordQueueMetrics(monitor.QueueMetrics{StuckCount: 1})
	NewOutboxWorkerMetrics(nil).ObserveDispatch("x", "sent", time.Second)
	var m *OutboxWorkerMetrics
	m.ObserveClaim(1, time.Second)
}

func assertGauge(t *testing.T, mfs []*dto.MetricFamily, name, label, value string, want float64) {
	t.Helper()
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if label == "" || matchesLabel(metric.GetLabel(), label, value) {
			if got := metric.GetGauge().GetValue(); got != want {
				t.Fatalf("%s{%s=%s} = %f, want %f", name, label, value, got, want)
			}
			return
		}
	}
	t.Fatalf("metric %q missing label %s=%s", name, label, value)
}
