// Package monitor reports queue health and recovers rows whose worker died
// mid-dispatch.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/actor"
	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

const (
	// DefaultStuckThreshold is how long a processing lock may be held before
	// the row counts as stuck.
	DefaultStuckThreshold = 5 * time.Minute

	maxStuckReport = 500
)

type PendingAge struct {
	Avg             time.Duration `json:"avg"`
	Max             time.Duration `json:"max"`
	P95             time.Duration `json:"p95"`
	OldestPendingAt *time.Time    `json:"oldest_pending_at,omitempty"`
}

// QueueMetrics is one snapshot of both tables.
type QueueMetrics struct {
	CollectedAt  time.Time                    `json:"collected_at"`
	StatusCounts map[enums.OutboxStatus]int64 `json:"status_counts"`
	StuckCount   int64                        `json:"stuck_count"`
	PendingAge   PendingAge                   `json:"pending_age"`
	InboxCounts  map[enums.InboxStatus]int64  `json:"inbox_counts"`
	InboxStale   int64                        `json:"inbox_stale"`
}

// Sink receives every collected snapshot.
type Sink interface {
	RecordQueueMetrics(QueueMetrics)
}

type StuckEvent struct {
	models.OutboxEvent
	StuckFor time.Duration `json:"stuck_for"`
}

type ServiceParams struct {
	DB             *gorm.DB
	Logger         *logger.Logger
	StuckThreshold time.Duration
	Sink           Sink
	Now            func() time.Time
}

type Service struct {
	db        *gorm.DB
	logg      *logger.Logger
	threshold time.Duration
	sink      Sink
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	s := &Service{
		db:        params.DB,
		logg:      params.Logger,
		threshold: params.StuckThreshold,
		sink:      params.Sink,
		now:       params.Now,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultStuckThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) StuckThreshold() time.Duration {
	return s.threshold
}

// CollectMetrics snapshots the queue and pushes it to the sink.
func (s *Service) CollectMetrics(ctx context.Context) (QueueMetrics, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.threshold)
	conn := s.db.WithContext(ctx)

	out := QueueMetrics{
		CollectedAt:  now,
		StatusCounts: make(map[enums.OutboxStatus]int64, len(enums.OutboxStatuses())),
		InboxCounts:  make(map[enums.InboxStatus]int64, len(enums.InboxStatuses())),
	}
	for _, status := range enums.OutboxStatuses() {
		out.StatusCounts[status] = 0
	}
	for _, status := range enums.InboxStatuses() {
		out.InboxCounts[status] = 0
	}

	var outboxRows []struct {
		Status enums.OutboxStatus
		Total  int64
	}
	if err := conn.Model(&models.OutboxEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&outboxRows).Error; err != nil {
		return QueueMetrics{}, err
	}
	for _, row := range outboxRows {
		out.StatusCounts[row.Status] = row.Total
	}

	if err := conn.Model(&models.OutboxEvent{}).
		Where("status = ? AND locked_at < ?", enums.OutboxStatusProcessing, cutoff).
		Count(&out.StuckCount).Error; err != nil {
		return QueueMetrics{}, err
	}

	age, err := s.pendingAge(conn, now, out.StatusCounts[enums.OutboxStatusPending])
	if err != nil {
		return QueueMetrics{}, err
	}
	out.PendingAge = age

	var inboxRows []struct {
		Status enums.InboxStatus
		Total  int64
	}
	if err := conn.Model(&models.InboxEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&inboxRows).Error; err != nil {
		return QueueMetrics{}, err
	}
	for _, row := range inboxRows {
		out.InboxCounts[row.Status] = row.Total
	}
	if err := conn.Model(&models.InboxEvent{}).
		Where("status = ? AND created_at < ?", enums.InboxStatusReceived, cutoff).
		Count(&out.InboxStale).Error; err != nil {
		return QueueMetrics{}, err
	}

	if s.sink != nil {
		s.sink.RecordQueueMetrics(out)
	}
	return out, nil
}

// pendingAge derives the age figures from aggregates and two single-row
// reads, so a large backlog is never loaded into memory. P95 is the
// nearest-rank value over ages sorted ascending, which is the row at that
// rank when ordered newest first.
func (s *Service) pendingAge(conn *gorm.DB, now time.Time, pending int64) (PendingAge, error) {
	if pending == 0 {
		return PendingAge{}, nil
	}
	queued := func() *gorm.DB {
		return conn.Model(&models.OutboxEvent{}).Where("status = ?", enums.OutboxStatusPending)
	}

	var oldest []time.Time
	if err := queued().Order("created_at ASC").Limit(1).Pluck("created_at", &oldest).Error; err != nil {
		return PendingAge{}, err
	}
	if len(oldest) == 0 {
		return PendingAge{}, nil
	}

	rank := nearestRankIndex(int(pending), 0.95)
	var atRank []time.Time
	if err := queued().Order("created_at DESC").Offset(rank).Limit(1).Pluck("created_at", &atRank).Error; err != nil {
		return PendingAge{}, err
	}

	var avgEpoch sql.NullFloat64
	if err := queued().Select("AVG(" + epochSeconds(conn.Dialector.Name()) + ")").Row().Scan(&avgEpoch); err != nil {
		return PendingAge{}, err
	}

	oldestUTC := oldest[0].UTC()
	out := PendingAge{
		Max:             clampAge(now.Sub(oldestUTC)),
		OldestPendingAt: &oldestUTC,
	}
	if len(atRank) > 0 {
		out.P95 = clampAge(now.Sub(atRank[0]))
	}
	if avgEpoch.Valid {
		out.Avg = clampAge(ageFromEpoch(now, avgEpoch.Float64))
	}
	return out, nil
}

// epochSeconds renders created_at as seconds since the Unix epoch.
func epochSeconds(dialect string) string {
	if dialect == config.DriverPostgres {
		return "EXTRACT(EPOCH FROM created_at)::float8"
	}
	return "CAST(strftime('%s', created_at) AS INTEGER)"
}

// ageFromEpoch keeps the whole-second parts apart so float rounding does not
// eat into the result.
func ageFromEpoch(now time.Time, epoch float64) time.Duration {
	whole := math.Floor(epoch)
	age := time.Duration(now.Unix()-int64(whole)) * time.Second
	age += time.Duration(now.Nanosecond())
	age -= time.Duration(math.Round((epoch - whole) * float64(time.Second)))
	return age
}

func clampAge(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func nearestRankIndex(n int, p float64) int {
	rank := int(math.Ceil(p * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return rank - 1
}

// CheckStuckEvents lists processing rows locked longer than the threshold,
// oldest lock first.
func (s *Service) CheckStuckEvents(ctx context.Context) ([]StuckEvent, error) {
	now := s.now().UTC()
	var rows []models.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND locked_at < ?", enums.OutboxStatusProcessing, now.Add(-s.threshold)).
		Order("locked_at ASC").
		Limit(maxStuckReport).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]StuckEvent, 0, len(rows))
	for _, row := range rows {
		stuck := StuckEvent{OutboxEvent: row}
		if row.LockedAt != nil {
			stuck.StuckFor = now.Sub(*row.LockedAt)
		}
		out = append(out, stuck)
	}
	return out, nil
}

// ForceReleaseStuck returns a stuck row to pending without spending a retry.
// It reports false when the row is missing, not processing or not yet stuck.
func (s *Service) ForceReleaseStuck(ctx context.Context, id uuid.UUID) (bool, error) {
	a, err := actor.RequireElevated(ctx)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ? AND locked_at < ?", id, enums.OutboxStatusProcessing, now.Add(-s.threshold)).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPending,
			"locked_at":  nil,
			"locked_by":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}

	ctx = s.logg.WithActorID(ctx, a.ID)
	ctx = s.logg.WithActorRole(ctx, a.Role.String())
	ctx = s.logg.WithEventID(ctx, id.String())
	s.logg.Warn(s.logg.WithField(ctx, "released", res.RowsAffected > 0), "stuck outbox event force released")
	return res.RowsAffected > 0, nil
}
