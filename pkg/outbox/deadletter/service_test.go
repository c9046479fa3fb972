package deadletter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/actor"
	"github.com/angelmondragon/eventrelay/pkg/db/dbtest"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
	"github.com/angelmondragon/eventrelay/pkg/outbox/retry"
)

var now = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

func adminCtx() context.Context {
	return actor.WithActor(context.Background(), actor.Actor{ID: "ops-1", Role: enums.ActorRoleAdmin})
}

func newService(t *testing.T, conn *gorm.DB) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		DB:     conn,
		Logger: logger.New(logger.Options{ServiceName: "deadletter-test", Output: io.Discard}),
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc
}

func seed(t *testing.T, conn *gorm.DB, eventType string, status enums.OutboxStatus, createdAt time.Time) uuid.UUID {
	t.Helper()
	row := models.OutboxEvent{
		EventType:     eventType,
		AggregateType: "order",
		AggregateID:   uuid.NewString(),
		Payload:       dbtypes.JSON(`{}`),
		Status:        status,
		RetryCount:    3,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	require.NoError(t, conn.Create(&row).Error)
	return row.ID
}

func load(t *testing.T, conn *gorm.DB, id uuid.UUID) *models.OutboxEvent {
	t.Helper()
	var row models.OutboxEvent
	err := conn.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &row
}

func TestRetrySingleKeepsRetryCount(t *testing.T) {
	client := dbtest.Client(t)
	conn := client.DB()

	handlers := outbox.NewHandlerRegistry()
	require.NoError(t, handlers.Register("payment_webhook", outbox.HandlerFunc(func(context.Context, models.OutboxEvent) outbox.Result {
		return outbox.Permanent(errors.New("account closed"))
	})))
	repo := outbox.NewRepository(conn, outbox.ClaimCAS)
	var id uuid.UUID
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		id, err = outbox.NewService(repo, nil).Enqueue(context.Background(), tx, outbox.Event{
			EventType:     "payment_webhook",
			AggregateType: "payment",
			AggregateID:   "pay_1",
			Payload:       map[string]string{"status": "captured"},
			MaxRetries:    10,
		})
		return err
	}))

	worker, err := outbox.NewWorker(outbox.WorkerParams{
		Logger:   logger.New(logger.Options{Output: io.Discard}),
		Store:    repo,
		Handlers: handlers,
		Policies: retry.DefaultPolicies(),
		WorkerID: "w-1",
	})
	require.NoError(t, err)
	_, err = worker.PollAndProcess(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, enums.OutboxStatusDeadLetter, load(t, conn, id).Status)

	svc := newService(t, conn)
	ok, err := svc.RetrySingle(adminCtx(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	row := load(t, conn, id)
	assert.Equal(t, enums.OutboxStatusPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Nil(t, row.NextRetryAt)
	assert.Nil(t, row.LockedBy)

	// Only dead letters are requeued.
	ok, err = svc.RetrySingle(adminCtx(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.RetrySingle(adminCtx(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeBoundaryIsInclusive(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	id := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now.Add(-time.Hour))

	purged, err := svc.Purge(adminCtx(), 168, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, purged)
	require.NotNil(t, load(t, conn, id))

	purged, err = svc.Purge(adminCtx(), 1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.Nil(t, load(t, conn, id))
}

func TestPurgeFloorsAgeAtOneHour(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	young := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now.Add(-30*time.Minute))
	old := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now.Add(-2*time.Hour))

	purged, err := svc.Purge(adminCtx(), 0, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.NotNil(t, load(t, conn, young))
	assert.Nil(t, load(t, conn, old))
}

func TestPurgeOnlyTouchesDeadLettersOfType(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	old := now.Add(-48 * time.Hour)
	keepSent := seed(t, conn, "email.sent", enums.OutboxStatusSent, old)
	keepOther := seed(t, conn, "webhook.delivered", enums.OutboxStatusDeadLetter, old)
	drop := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, old)

	purged, err := svc.Purge(adminCtx(), 24, "email.sent")
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.NotNil(t, load(t, conn, keepSent))
	assert.NotNil(t, load(t, conn, keepOther))
	assert.Nil(t, load(t, conn, drop))
}

func TestListAndCount(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	first := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now.Add(-3*time.Hour))
	second := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now.Add(-2*time.Hour))
	seed(t, conn, "webhook.delivered", enums.OutboxStatusDeadLetter, now.Add(-time.Hour))
	seed(t, conn, "email.sent", enums.OutboxStatusPending, now)

	rows, err := svc.List(adminCtx(), ListParams{EventType: "email.sent"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, second, rows[0].ID)
	assert.Equal(t, first, rows[1].ID)

	rows, err = svc.List(adminCtx(), ListParams{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, second, rows[0].ID)

	counts, err := svc.Count(adminCtx(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Total)
	assert.Equal(t, map[string]int64{"email.sent": 2, "webhook.delivered": 1}, counts.ByType)

	counts, err = svc.Count(adminCtx(), "nothing.here")
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Total)
	assert.Empty(t, counts.ByType)
}

func TestRetryAllRequeuesMatchingType(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	a := seed(t, conn, "email.sent", enums.OutboxStatusDeadLetter, now)
	b := seed(t, conn, "webhook.delivered", enums.OutboxStatusDeadLetter, now)

	n, err := svc.RetryAll(adminCtx(), "email.sent")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, enums.OutboxStatusPending, load(t, conn, a).Status)
	assert.Equal(t, 3, load(t, conn, a).RetryCount)
	assert.Equal(t, enums.OutboxStatusDeadLetter, load(t, conn, b).Status)

	n, err = svc.RetryAll(adminCtx(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = svc.RetryAll(adminCtx(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestOperationsRequireAdmin(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newService(t, conn)
	operator := actor.WithActor(context.Background(), actor.Actor{ID: "ops-2", Role: enums.ActorRoleOperator})

	_, err := svc.Purge(operator, 1, "")
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.As(err).Code())

	_, err = svc.List(context.Background(), ListParams{})
	assert.Equal(t, pkgerrors.CodeUnauthorized, pkgerrors.As(err).Code())

	_, err = svc.RetrySingle(operator, uuid.New())
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.As(err).Code())
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
	_, err = NewService(ServiceParams{DB: dbtest.Open(t)})
	require.EqualError(t, err, "logger is required")
}
