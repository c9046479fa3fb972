package outbox

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
)

func TestFlipClaimedHonoursBackoff(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, paymentEvent())

	// Rescheduled by another worker after this one read its candidates.
	future := testNow.Add(time.Minute)
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("id = ?", id).Update("next_retry_at", future).Error)

	flipped, err := h.repo.flipClaimed(context.Background(), []uuid.UUID{id}, "worker-a/late", testNow)
	require.NoError(t, err)
	assert.Zero(t, flipped)
	row := h.load(t, id)
	assert.Equal(t, enums.OutboxStatusPending, row.Status)
	assert.Nil(t, row.LockedBy)

	flipped, err = h.repo.flipClaimed(context.Background(), []uuid.UUID{id}, "worker-a/due", future)
	require.NoError(t, err)
	assert.EqualValues(t, 1, flipped)
	assert.Equal(t, enums.OutboxStatusProcessing, h.load(t, id).Status)
}

func TestNewRepositoryPicksStrategyFromDialect(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, ClaimCAS, NewRepository(h.client.DB(), "").Strategy())
	assert.Equal(t, ClaimSkipLocked, NewRepository(dryRunPostgres(t), "").Strategy())
	assert.Equal(t, ClaimCAS, NewRepository(dryRunPostgres(t), ClaimCAS).Strategy())
}

func dryRunPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 user=eventrelay dbname=eventrelay sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return conn
}

func TestClaimSkipLockedQueryRendering(t *testing.T) {
	stmt := claimSkipLockedQuery(dryRunPostgres(t), "worker-a/claim", 25, testNow).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, sql, "RETURNING *")
	assert.Contains(t, sql, "ORDER BY created_at")
	assert.Contains(t, sql, "(next_retry_at IS NULL OR next_retry_at <= $6)")
	assert.Contains(t, sql, "LIMIT $7")
	assert.NotContains(t, sql, "?")
	assert.Equal(t, []any{
		enums.OutboxStatusProcessing, testNow, "worker-a/claim", testNow,
		enums.OutboxStatusPending, testNow, 25,
	}, stmt.Vars)
}

// Runs against a real database when EVENTRELAY_TEST_PG_DSN is set.
func TestClaimSkipLockedPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("EVENTRELAY_TEST_PG_DSN"))
	if dsn == "" {
		t.Skip("EVENTRELAY_TEST_PG_DSN not set")
	}
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}))

	aggregate := "claim-test-" + uuid.NewString()
	t.Cleanup(func() {
		conn.Where("aggregate_id = ?", aggregate).Delete(&models.OutboxEvent{})
	})
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Create(&models.OutboxEvent{
			EventType:     "payment_webhook",
			AggregateType: "payment",
			AggregateID:   aggregate,
			Payload:       dbtypes.JSON(`{}`),
			Status:        enums.OutboxStatusPending,
			MaxRetries:    3,
			CreatedAt:     now.Add(-time.Duration(20-i) * time.Second),
			UpdatedAt:     now,
		}).Error)
	}

	repo := NewRepository(conn, ResolveClaimStrategy(config.ClaimStrategyAuto, config.DriverPostgres))
	require.Equal(t, ClaimSkipLocked, repo.Strategy())

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			rows, err := repo.Claim(context.Background(), worker, 20, now)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range rows {
				if row.AggregateID != aggregate {
					continue
				}
				if prev, dup := seen[row.ID]; dup {
					t.Errorf("event %s claimed by %s and %s", row.ID, prev, worker)
				}
				seen[row.ID] = worker
			}
		}("worker-" + string(rune('a'+w)))
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}
