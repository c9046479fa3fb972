package outbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
)

// ClaimStrategy selects how a batch is taken atomically.
type ClaimStrategy string

const (
	// ClaimSkipLocked uses a single UPDATE ... FOR UPDATE SKIP LOCKED RETURNING statement.
	ClaimSkipLocked ClaimStrategy = config.ClaimStrategySkipLocked
	// ClaimCAS flips candidate rows with a status guard and reads them back by owner token.
	ClaimCAS ClaimStrategy = config.ClaimStrategyCAS
)

// ResolveClaimStrategy maps the configured setting onto a strategy the dialect supports.
func ResolveClaimStrategy(setting, dialect string) ClaimStrategy {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case config.ClaimStrategySkipLocked:
		return ClaimSkipLocked
	case config.ClaimStrategyCAS:
		return ClaimCAS
	}
	if dialect == config.DriverPostgres {
		return ClaimSkipLocked
	}
	return ClaimCAS
}

const claimSkipLockedSQL = `UPDATE outbox_events
SET status = ?, locked_at = ?, locked_by = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM outbox_events
	WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
	ORDER BY created_at
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

type Repository struct {
	db       *gorm.DB
	strategy ClaimStrategy
}

func NewRepository(db *gorm.DB, strategy ClaimStrategy) *Repository {
	if strategy == "" {
		strategy = ResolveClaimStrategy(config.ClaimStrategyAuto, db.Dialector.Name())
	}
	return &Repository{db: db, strategy: strategy}
}

func (r *Repository) Strategy() ClaimStrategy {
	return r.strategy
}

// Insert writes event through the caller's transaction.
func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return ErrTransactionRequired
	}
	return tx.Create(event).Error
}

// Claim moves up to limit due pending rows to processing under a fresh owner
// token derived from workerID. Rows are returned oldest first.
func (r *Repository) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	owner := claimToken(workerID)

	var (
		rows []models.OutboxEvent
		err  error
	)
	switch r.strategy {
	case ClaimSkipLocked:
		rows, err = r.claimSkipLocked(ctx, owner, limit, now)
	default:
		rows, err = r.claimCAS(ctx, owner, limit, now)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

func (r *Repository) claimSkipLocked(ctx context.Context, owner string, limit int, now time.Time) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := claimSkipLockedQuery(r.db.WithContext(ctx), owner, limit, now).Scan(&rows).Error
	return rows, err
}

func claimSkipLockedQuery(conn *gorm.DB, owner string, limit int, now time.Time) *gorm.DB {
	return conn.Raw(claimSkipLockedSQL,
		enums.OutboxStatusProcessing, now, owner, now,
		enums.OutboxStatusPending, now, limit,
	)
}

func (r *Repository) claimCAS(ctx context.Context, owner string, limit int, now time.Time) ([]models.OutboxEvent, error) {
	conn := r.db.WithContext(ctx)

	var ids []uuid.UUID
	err := conn.Model(&models.OutboxEvent{}).
		Where("status = ?", enums.OutboxStatusPending).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	flipped, err := r.flipClaimed(ctx, ids, owner, now)
	if err != nil {
		return nil, err
	}
	if flipped == 0 {
		return nil, nil
	}

	var rows []models.OutboxEvent
	err = conn.Where("status = ? AND locked_by = ?", enums.OutboxStatusProcessing, owner).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// flipClaimed takes ownership of the candidates that are still pending and
// due. A candidate another worker claimed, failed and rescheduled in the
// meantime is skipped until its backoff elapses.
func (r *Repository) flipClaimed(ctx context.Context, ids []uuid.UUID, owner string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id IN ? AND status = ?", ids, enums.OutboxStatusPending).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Updates(map[string]any{
			"status":     enums.OutboxStatusProcessing,
			"locked_at":  now,
			"locked_by":  owner,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func claimToken(workerID string) string {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		workerID = "worker"
	}
	return workerID + "/" + uuid.NewString()
}

func (r *Repository) ownedBy(ctx context.Context, id uuid.UUID, owner string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, enums.OutboxStatusProcessing, owner)
}

// MarkSent records a successful dispatch. It reports false when the claim
// was lost before the update landed.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) (bool, error) {
	now = now.UTC()
	res := r.ownedBy(ctx, id, owner).Updates(map[string]any{
		"status":        enums.OutboxStatusSent,
		"processed_at":  now,
		"error_message": nil,
		"locked_at":     nil,
		"locked_by":     nil,
		"updated_at":    now,
	})
	return res.RowsAffected > 0, res.Error
}

// MarkRetry puts the event back in the queue, due at nextRetryAt.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, owner string, retryCount int, nextRetryAt time.Time, message string, now time.Time) (bool, error) {
	now = now.UTC()
	res := r.ownedBy(ctx, id, owner).Updates(map[string]any{
		"status":        enums.OutboxStatusPending,
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt.UTC(),
		"error_message": message,
		"locked_at":     nil,
		"locked_by":     nil,
		"updated_at":    now,
	})
	return res.RowsAffected > 0, res.Error
}

// MarkDeadLetter parks the event for operator action.
func (r *Repository) MarkDeadLetter(ctx context.Context, id uuid.UUID, owner string, retryCount int, message string, now time.Time) (bool, error) {
	now = now.UTC()
	res := r.ownedBy(ctx, id, owner).Updates(map[string]any{
		"status":        enums.OutboxStatusDeadLetter,
		"retry_count":   retryCount,
		"error_message": message,
		"locked_at":     nil,
		"locked_by":     nil,
		"updated_at":    now,
	})
	return res.RowsAffected > 0, res.Error
}

// ReleaseClaims hands still-owned rows back to pending without spending a retry.
func (r *Repository) ReleaseClaims(ctx context.Context, ids []uuid.UUID, owner string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id IN ? AND status = ? AND locked_by = ?", ids, enums.OutboxStatusProcessing, owner).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPending,
			"locked_at":  nil,
			"locked_by":  nil,
			"updated_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// FindByID returns nil when no row matches.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteSentBefore removes delivered rows processed before cutoff. Other
// statuses are never touched.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at < ?", enums.OutboxStatusSent, cutoff.UTC()).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
