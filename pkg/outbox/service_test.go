package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
)

func TestEnqueuePersistsPendingRow(t *testing.T) {
	h := newHarness(t)
	event := paymentEvent()
	event.MaxRetries = 3
	id := h.enqueue(t, event)

	row := h.load(t, id)
	assert.Equal(t, enums.OutboxStatusPending, row.Status)
	assert.Equal(t, event.TenantID, row.TenantID)
	assert.Equal(t, "payment_webhook", row.EventType)
	assert.Equal(t, 3, row.MaxRetries)
	assert.Equal(t, 0, row.RetryCount)
	assert.Nil(t, row.NextRetryAt)
	assert.Nil(t, row.LockedBy)
	assert.JSONEq(t, `{"amount":1200}`, string(row.Payload))
}

func TestEnqueueRolledBackLeavesNoRow(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("order insert failed")
	var id uuid.UUID

	err := h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		id, err = h.service.Enqueue(context.Background(), tx, paymentEvent())
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotEqual(t, uuid.Nil, id)

	row, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestEnqueueRequiresTransaction(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Enqueue(context.Background(), nil, paymentEvent())
	assert.ErrorIs(t, err, ErrTransactionRequired)
}

func TestEnqueueValidatesFields(t *testing.T) {
	h := newHarness(t)
	err := h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.service.Enqueue(context.Background(), tx, Event{EventType: " ", MaxRetries: -1})
		return err
	})
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"event_type", "aggregate_type", "aggregate_id", "max_retries"}, details["fields"])
}

func TestEnqueueRejectsUnencodablePayload(t *testing.T) {
	h := newHarness(t)
	event := paymentEvent()
	event.Payload = map[string]any{"ch": make(chan int)}
	err := h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.service.Enqueue(context.Background(), tx, event)
		return err
	})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestResolveClaimStrategy(t *testing.T) {
	assert.Equal(t, ClaimSkipLocked, ResolveClaimStrategy(config.ClaimStrategyAuto, config.DriverPostgres))
	assert.Equal(t, ClaimCAS, ResolveClaimStrategy(config.ClaimStrategyAuto, config.DriverSQLite))
	assert.Equal(t, ClaimCAS, ResolveClaimStrategy("CAS", config.DriverPostgres))
	assert.Equal(t, ClaimSkipLocked, ResolveClaimStrategy("skip_locked", config.DriverSQLite))
	assert.Equal(t, ClaimCAS, ResolveClaimStrategy("", "mysql"))
}

func TestClaimReturnsOldestDueFirst(t *testing.T) {
	h := newHarness(t)
	h.service.now = func() time.Time { return testNow.Add(-time.Minute) }
	older := h.enqueue(t, paymentEvent())
	h.service.now = func() time.Time { return testNow.Add(-2 * time.Minute) }
	oldest := h.enqueue(t, paymentEvent())
	h.service.now = func() time.Time { return testNow.Add(time.Minute) }
	h.enqueue(t, paymentEvent())

	// Not yet due.
	future := testNow.Add(time.Hour)
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("id = ?", older).Update("next_retry_at", future).Error)

	rows, err := h.repo.Claim(context.Background(), "worker-a", 10, testNow)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, oldest, rows[0].ID)
	for _, row := range rows {
		assert.Equal(t, enums.OutboxStatusProcessing, row.Status)
		require.NotNil(t, row.LockedBy)
		assert.True(t, strings.HasPrefix(*row.LockedBy, "worker-a/"))
		require.NotNil(t, row.LockedAt)
	}
	assert.Equal(t, *rows[0].LockedBy, *rows[1].LockedBy)

	again, err := h.repo.Claim(context.Background(), "worker-b", 10, testNow)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestGuardedTransitionsRequireOwnership(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, paymentEvent())
	rows, err := h.repo.Claim(context.Background(), "worker-a", 1, testNow)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	ok, err := h.repo.MarkSent(context.Background(), id, "worker-b/other", testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.repo.MarkSent(context.Background(), id, *rows[0].LockedBy, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already sent.
	ok, err = h.repo.MarkDeadLetter(context.Background(), id, *rows[0].LockedBy, 1, "late", testNow)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteSentBeforeOnlyRemovesDeliveredRows(t *testing.T) {
	h := newHarness(t)
	sent := h.enqueue(t, paymentEvent())
	pending := h.enqueue(t, paymentEvent())
	dead := h.enqueue(t, paymentEvent())

	conn := h.client.DB().Model(&models.OutboxEvent{})
	old := testNow.Add(-72 * time.Hour)
	require.NoError(t, conn.Where("id = ?", sent).Updates(map[string]any{"status": enums.OutboxStatusSent, "processed_at": old}).Error)
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("id = ?", dead).Updates(map[string]any{"status": enums.OutboxStatusDeadLetter}).Error)

	removed, err := h.repo.DeleteSentBefore(context.Background(), testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	row, err := h.repo.FindByID(context.Background(), sent)
	require.NoError(t, err)
	assert.Nil(t, row)
	h.load(t, pending)
	h.load(t, dead)
}

func TestTruncateErrorKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "", TruncateError(nil))
	assert.Equal(t, "short", TruncateError(errors.New("short")))

	long := strings.Repeat("a", MaxErrorMessageBytes-1) + "é" + "tail"
	got := TruncateError(errors.New(long))
	assert.Equal(t, strings.Repeat("a", MaxErrorMessageBytes-1), got)
}
