package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
)

const defaultPublishTimeout = 15 * time.Second

// Publisher is the slice of a Pub/Sub publisher the handler needs.
type Publisher interface {
	Publish(context.Context, *gcppubsub.Message) PublishResult
	ResumePublish(orderingKey string)
}

// PublishResult resolves once the server acknowledges a message.
type PublishResult interface {
	Get(context.Context) (string, error)
}

// PubSubHandler publishes the event envelope to one topic. Messages for the
// same aggregate share an ordering key.
type PubSubHandler struct {
	pub     Publisher
	topic   string
	timeout time.Duration
}

func NewPubSubHandler(pub Publisher, topic string, timeout time.Duration) (*PubSubHandler, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher not configured for topic %s", topic)
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubHandler{pub: pub, topic: topic, timeout: timeout}, nil
}

func (h *PubSubHandler) Handle(ctx context.Context, event models.OutboxEvent) outbox.Result {
	envelope := outbox.NewEnvelope(event)
	data, err := json.Marshal(envelope)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	orderingKey := OrderingKey(event)
	msg := &gcppubsub.Message{
		Data:        data,
		Attributes:  envelope.Attributes(),
		OrderingKey: orderingKey,
	}

	publishCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	result := h.pub.Publish(publishCtx, msg)
	if result == nil {
		return outbox.Permanent(fmt.Errorf("publisher returned nil for topic %s", h.topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		// Ordered publishing pauses the key after a failure.
		h.pub.ResumePublish(orderingKey)
		return outbox.FromError(fmt.Errorf("publish to %s: %w", h.topic, err))
	}
	return outbox.OK()
}

// OrderingKey groups messages of one aggregate.
func OrderingKey(event models.OutboxEvent) string {
	return event.AggregateType + ":" + event.AggregateID
}

// NewGCPPublisher adapts a Pub/Sub v2 publisher to the handler.
func NewGCPPublisher(p *gcppubsub.Publisher) Publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
