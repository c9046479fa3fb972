package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

const namespace = "eventrelay"

// OutboxWorkerMetrics records claim and dispatch outcomes for outbox workers.
type OutboxWorkerMetrics struct {
	claimed       prometheus.Histogram
	claimDuration prometheus.Histogram
	dispatched    *prometheus.CounterVec
	dispatchTime  *prometheus.HistogramVec
}

func NewOutboxWorkerMetrics(reg prometheus.Registerer) *OutboxWorkerMetrics {
	if reg == nil {
		return &OutboxWorkerMetrics{}
	}
	m := &OutboxWorkerMetrics{
		claimed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_claim_batch_size",
			Help:      "Events claimed per poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		claimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_claim_duration_seconds",
			Help:      "Time spent claiming a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dispatch_total",
			Help:      "Dispatch attempts by event type and resulting outcome.",
		}, []string{"event_type", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_dispatch_duration_seconds",
			Help:      "Handler execution time by event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	reg.MustRegister(m.claimed, m.claimDuration, m.dispatched, m.dispatchTime)
	return m
}

func (m *OutboxWorkerMetrics) ObserveClaim(claimed int, duration time.Duration) {
	if m == nil || m.claimed == nil {
		return
	}
	m.claimed.Observe(float64(claimed))
	m.claimDuration.Observe(duration.Seconds())
}

func (m *OutboxWorkerMetrics) ObserveDispatch(eventType, outcome string, duration time.Duration) {
	if m == nil || m.dispatched == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	m.dispatched.WithLabelValues(eventType, normalizeLabel(outcome)).Inc()
	if duration > 0 {
		m.dispatchTime.WithLabelValues(eventType).Observe(duration.Seconds())
	}
}

// QueueSink exports monitor snapshots as gauges.
type QueueSink struct {
	outbox      *prometheus.GaugeVec
	stuck       prometheus.Gauge
	pendingAge  *prometheus.GaugeVec
	oldest      prometheus.Gauge
	inbox       *prometheus.GaugeVec
	inboxStale  prometheus.Gauge
	collectedAt prometheus.Gauge
}

func NewQueueSink(reg prometheus.Registerer) *QueueSink {
	if reg == nil {
		return &QueueSink{}
	}
	s := &QueueSink{
		outbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_events",
			Help:      "Outbox rows by status.",
		}, []string{"status"}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_stuck_events",
			Help:      "Processing rows locked longer than the stuck threshold.",
		}),
		pendingAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_age_seconds",
			Help:      "Age of pending rows.",
		}, []string{"stat"}),
		oldest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_oldest_pending_timestamp_seconds",
			Help:      "Creation time of the oldest pending row, 0 when none.",
		}),
		inbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_events",
			Help:      "Inbox rows by status.",
		}, []string{"status"}),
		inboxStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_stale_events",
			Help:      "Received inbox rows older than the stuck threshold.",
		}),
		collectedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_metrics_collected_timestamp_seconds",
			Help:      "When the last queue snapshot was taken.",
		}),
	}
	reg.MustRegister(s.outbox, s.stuck, s.pendingAge, s.oldest, s.inbox, s.inboxStale, s.collectedAt)
	return s
}

func (s *QueueSink) RecordQueueMetrics(m monitor.QueueMetrics) {
	if s == nil || s.outbox == nil {
		return
	}
	for status, n := range m.StatusCounts {
		s.outbox.WithLabelValues(string(status)).Set(float64(n))
	}
	s.stuck.Set(float64(m.StuckCount))
	s.pendingAge.WithLabelValues("avg").Set(m.PendingAge.Avg.Seconds())
	s.pendingAge.WithLabelValues("max").Set(m.PendingAge.Max.Seconds())
	s.pendingAge.WithLabelValues("p95").Set(m.PendingAge.P95.Seconds())
	if m.PendingAge.OldestPendingAt != nil {
		s.oldest.Set(float64(m.PendingAge.OldestPendingAt.Unix()))
	} else {
		s.oldest.Set(0)
	}
	for status, n := range m.InboxCounts {
		s.inbox.WithLabelValues(string(status)).Set(float64(n))
	}
	s.inboxStale.Set(float64(m.InboxStale))
	s.collectedAt.Set(float64(m.CollectedAt.Unix()))
}
