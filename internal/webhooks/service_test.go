package webhooks

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/db/dbtest"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/inbox"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
)

const secret = "whsec_test"

func secrets(source string) (string, bool) {
	if source == "stripe" {
		return secret, true
	}
	return "", false
}

func sign(body string) string {
	return hex.EncodeToString(Sign(secret, []byte(body)))
}

func newService(t *testing.T, enq outboxEnqueuer) (*Service, *db.Client) {
	t.Helper()
	client := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "webhooks-test", Output: io.Discard})
	inboxSvc, err := inbox.NewService(client, logg)
	require.NoError(t, err)
	if enq == nil {
		enq = outbox.NewService(outbox.NewRepository(client.DB(), outbox.ClaimCAS), logg)
	}
	svc, err := NewService(ServiceParams{Inbox: inboxSvc, Outbox: enq, Secrets: secrets, Logger: logg})
	require.NoError(t, err)
	return svc, client
}

func TestIngestRecordsAndForwardsOnce(t *testing.T) {
	svc, client := newService(t, nil)
	body := `{"type":"charge.succeeded","id":"ch_1"}`
	delivery := Delivery{Source: "Stripe", EventID: "evt_1", Signature: "sha256=" + sign(body), Body: []byte(body)}

	res, err := svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, Result{Received: true}, res)

	res, err = svc.Ingest(context.Background(), delivery)
	require.NoError(t, err)
	assert.Equal(t, Result{Received: true, Duplicate: true}, res)

	var inboxRow models.InboxEvent
	require.NoError(t, client.DB().Where("event_id = ?", "evt_1").First(&inboxRow).Error)
	assert.Equal(t, "charge.succeeded", inboxRow.EventType)
	assert.Equal(t, enums.InboxStatusProcessed, inboxRow.Status)

	var rows []models.OutboxEvent
	require.NoError(t, client.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "stripe_webhook", rows[0].EventType)
	assert.Equal(t, "evt_1", rows[0].AggregateID)
	assert.JSONEq(t, `{"inbox_event_id":"evt_1","source":"stripe","event_type":"charge.succeeded","body":{"type":"charge.succeeded","id":"ch_1"}}`, string(rows[0].Payload))
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, *gorm.DB, outbox.Event) (uuid.UUID, error) {
	return uuid.Nil, errors.New("outbox unavailable")
}

func TestIngestAcknowledgesWhenForwardingFails(t *testing.T) {
	svc, client := newService(t, failingEnqueuer{})
	body := `{"event_type":"payout.paid"}`

	res, err := svc.Ingest(context.Background(), Delivery{Source: "stripe", EventID: "evt_2", Signature: sign(body), Body: []byte(body)})
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.False(t, res.Duplicate)

	var row models.InboxEvent
	require.NoError(t, client.DB().Where("event_id = ?", "evt_2").First(&row).Error)
	assert.Equal(t, enums.InboxStatusFailed, row.Status)
	assert.Equal(t, "payout.paid", row.EventType)
}

func TestIngestRejectsBadRequests(t *testing.T) {
	svc, client := newService(t, nil)
	body := `{"type":"x"}`

	cases := []struct {
		name     string
		delivery Delivery
		code     pkgerrors.Code
	}{
		{"missing id", Delivery{Source: "stripe", Signature: sign(body), Body: []byte(body)}, pkgerrors.CodeValidation},
		{"bad signature", Delivery{Source: "stripe", EventID: "e", Signature: sign(`{}`), Body: []byte(body)}, pkgerrors.CodeUnauthorized},
		{"malformed signature", Delivery{Source: "stripe", EventID: "e", Signature: "zz", Body: []byte(body)}, pkgerrors.CodeUnauthorized},
		{"unknown source", Delivery{Source: "square", EventID: "e", Signature: sign(body), Body: []byte(body)}, pkgerrors.CodeUnauthorized},
		{"not json", Delivery{Source: "stripe", EventID: "e", Signature: sign("nope"), Body: []byte("nope")}, pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		_, err := svc.Ingest(context.Background(), tc.delivery)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed, tc.name)
		assert.Equal(t, tc.code, typed.Code(), tc.name)
	}

	var count int64
	require.NoError(t, client.DB().Model(&models.InboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestDefaultsEventType(t *testing.T) {
	svc, client := newService(t, nil)
	body := `{"id":1}`
	_, err := svc.Ingest(context.Background(), Delivery{Source: "stripe", EventID: "evt_3", Signature: sign(body), Body: []byte(body)})
	require.NoError(t, err)

	var row models.InboxEvent
	require.NoError(t, client.DB().Where("event_id = ?", "evt_3").First(&row).Error)
	assert.Equal(t, "stripe.event", row.EventType)
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}
