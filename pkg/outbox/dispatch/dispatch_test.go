package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventrelay/pkg/db/types"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
	"github.com/angelmondragon/eventrelay/pkg/outbox/retry"
)

func sampleEvent() models.OutboxEvent {
	return models.OutboxEvent{
		ID:            uuid.MustParse("0b8f5a2e-59a4-4a63-8a43-7f0d7c7c9b11"),
		TenantID:      uuid.MustParse("6f1f3f8e-1d7e-4a4b-9f43-2f3e6a3c0c01"),
		EventType:     "webhook.order_created",
		AggregateType: "order",
		AggregateID:   "ord_42",
		Payload:       dbtypes.JSON(`{"total":99}`),
		RetryCount:    2,
		CreatedAt:     time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHTTPHandlerPostsEnvelope(t *testing.T) {
	var (
		got     outbox.PayloadEnvelope
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h, err := NewHTTPHandler(srv.Client(), srv.URL, map[string]string{"Authorization": "Bearer abc"}, time.Second)
	require.NoError(t, err)

	result := h.Handle(context.Background(), sampleEvent())
	require.True(t, result.Succeeded(), "unexpected result %v", result.Err)

	assert.Equal(t, "0b8f5a2e-59a4-4a63-8a43-7f0d7c7c9b11", got.EventID)
	assert.Equal(t, "ord_42", got.AggregateID)
	assert.Equal(t, 3, got.Attempt)
	assert.JSONEq(t, `{"total":99}`, string(got.Data))
	assert.Equal(t, "0b8f5a2e-59a4-4a63-8a43-7f0d7c7c9b11", headers.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer abc", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestHTTPHandlerStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   retry.FailureClass
	}{
		{http.StatusServiceUnavailable, retry.FailureTransient},
		{http.StatusTooManyRequests, retry.FailureTransient},
		{http.StatusBadRequest, retry.FailurePermanent},
		{http.StatusGone, retry.FailurePermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		h, err := NewHTTPHandler(srv.Client(), srv.URL, nil, 0)
		require.NoError(t, err)
		result := h.Handle(context.Background(), sampleEvent())
		srv.Close()

		require.False(t, result.Succeeded())
		var statusErr *StatusError
		require.True(t, errors.As(result.Cause(), &statusErr))
		assert.Equal(t, tc.status, statusErr.StatusCode())
		assert.Equal(t, "nope", statusErr.Body)
		assert.Equal(t, tc.want, retry.Policy{}.Classify(result.Cause()), "status %d", tc.status)
	}
}

func TestHTTPHandlerMultiByteErrorBodyStaysValidUTF8(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "x"+strings.Repeat("ş", 600))
	}))
	defer srv.Close()

	h, err := NewHTTPHandler(srv.Client(), srv.URL, nil, time.Second)
	require.NoError(t, err)
	result := h.Handle(context.Background(), sampleEvent())
	require.False(t, result.Succeeded())

	var statusErr *StatusError
	require.True(t, errors.As(result.Cause(), &statusErr))
	assert.True(t, utf8.ValidString(statusErr.Body))
	assert.LessOrEqual(t, len(statusErr.Body), maxErrorBodyBytes)
	assert.True(t, strings.HasPrefix(statusErr.Body, "xş"))

	stored := outbox.TruncateError(result.Cause())
	assert.True(t, utf8.ValidString(stored), "stored error_message must be valid UTF-8")
}

func TestHTTPHandlerTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	h, err := NewHTTPHandler(http.DefaultClient, url, nil, time.Second)
	require.NoError(t, err)
	result := h.Handle(context.Background(), sampleEvent())
	require.False(t, result.Succeeded())
	assert.True(t, retry.Policy{MaxRetries: 5}.ShouldRetry(1, result.Cause()))
}

func TestNewHTTPHandlerRequiresURL(t *testing.T) {
	_, err := NewHTTPHandler(nil, " ", nil, 0)
	require.Error(t, err)
}

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) { return r.id, r.err }

type fakePublisher struct {
	msgs    []*gcppubsub.Message
	err     error
	resumed []string
}

func (p *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) PublishResult {
	p.msgs = append(p.msgs, msg)
	return fakeResult{id: "msg-1", err: p.err}
}

func (p *fakePublisher) ResumePublish(key string) {
	p.resumed = append(p.resumed, key)
}

func TestPubSubHandlerPublishesWithOrderingKey(t *testing.T) {
	pub := &fakePublisher{}
	h, err := NewPubSubHandler(pub, "orders", 0)
	require.NoError(t, err)

	result := h.Handle(context.Background(), sampleEvent())
	require.True(t, result.Succeeded())
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "order:ord_42", msg.OrderingKey)
	assert.Equal(t, "webhook.order_created", msg.Attributes["event_type"])
	assert.Equal(t, "0b8f5a2e-59a4-4a63-8a43-7f0d7c7c9b11", msg.Attributes["event_id"])

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(msg.Data, &envelope))
	assert.Equal(t, "order", envelope.AggregateType)
}

func TestPubSubHandlerFailureResumesAndClassifiesByGRPCCode(t *testing.T) {
	pub := &fakePublisher{err: status.Error(codes.Unavailable, "backend down")}
	h, err := NewPubSubHandler(pub, "orders", time.Second)
	require.NoError(t, err)

	result := h.Handle(context.Background(), sampleEvent())
	require.False(t, result.Succeeded())
	assert.Equal(t, []string{"order:ord_42"}, pub.resumed)
	assert.Equal(t, retry.FailureTransient, retry.Policy{}.Classify(result.Cause()))

	pub.err = status.Error(codes.PermissionDenied, "no access")
	result = h.Handle(context.Background(), sampleEvent())
	assert.Equal(t, retry.FailurePermanent, retry.Policy{}.Classify(result.Cause()))
}

func TestNewPubSubHandlerRequiresPublisher(t *testing.T) {
	_, err := NewPubSubHandler(NewGCPPublisher(nil), "orders", 0)
	require.Error(t, err)
}

func TestBuildRegistryFromRoutes(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	routes := &config.RoutesFile{Routes: map[string]config.RouteSpec{
		"webhook.order_created": {Kind: RouteKindHTTP, URL: srv.URL},
	}}
	registry, err := BuildRegistry(RegistryParams{Routes: routes})
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook.order_created"}, registry.EventTypes())

	result := registry.Dispatch(context.Background(), sampleEvent())
	require.True(t, result.Succeeded())
	assert.Equal(t, 1, hits)

	other := sampleEvent()
	other.EventType = "unrouted"
	result = registry.Dispatch(context.Background(), other)
	assert.Equal(t, outbox.ResultPermanent, result.Kind)
	assert.ErrorIs(t, result.Err, outbox.ErrHandlerNotRegistered)
}

func TestBuildRegistryRejectsPubSubWithoutClient(t *testing.T) {
	routes := &config.RoutesFile{Routes: map[string]config.RouteSpec{
		"payment.captured": {Kind: RouteKindPubSub, Topic: "payments"},
	}}
	_, err := BuildRegistry(RegistryParams{Routes: routes})
	require.Error(t, err)
}

func TestTopics(t *testing.T) {
	routes := &config.RoutesFile{Routes: map[string]config.RouteSpec{
		"a": {Kind: RouteKindPubSub, Topic: "payments"},
		"b": {Kind: RouteKindPubSub, Topic: "payments"},
		"c": {Kind: RouteKindPubSub, Topic: "emails"},
		"d": {Kind: RouteKindHTTP, URL: "http://example.test"},
	}}
	assert.Equal(t, []string{"emails", "payments"}, Topics(routes))
	assert.Nil(t, Topics(nil))
}
