package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/inbox"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
)

const signaturePrefix = "sha256="

type inboxHandler interface {
	Handle(ctx context.Context, params inbox.ReceiveParams, effect inbox.Effect) (inbox.Receipt, error)
}

type outboxEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, event outbox.Event) (uuid.UUID, error)
}

// SecretLookup returns the signing secret configured for a source.
type SecretLookup func(source string) (string, bool)

type ServiceParams struct {
	Inbox   inboxHandler
	Outbox  outboxEnqueuer
	Secrets SecretLookup
	Logger  *logger.Logger
}

// Service turns verified webhook deliveries into inbox rows whose side effect
// is an outbox event for downstream fan-out.
type Service struct {
	inbox   inboxHandler
	outbox  outboxEnqueuer
	secrets SecretLookup
	logg    *logger.Logger
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Source    string
	EventID   string
	EventType string
	TenantID  *uuid.UUID
	Signature string
	Body      []byte
}

// Result reports what the sender should be told.
type Result struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate"`
}

type forwardedPayload struct {
	InboxEventID string          `json:"inbox_event_id"`
	Source       string          `json:"source"`
	EventType    string          `json:"event_type"`
	Body         json.RawMessage `json:"body"`
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Inbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "inbox service required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.Secrets == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "secret lookup required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		inbox:   params.Inbox,
		outbox:  params.Outbox,
		secrets: params.Secrets,
		logg:    params.Logger,
	}, nil
}

// OutboxEventType names the outbox event emitted for deliveries from source.
func OutboxEventType(source string) string {
	return strings.ToLower(strings.TrimSpace(source)) + "_webhook"
}

// Verify checks the hex HMAC-SHA256 of body against the source's secret.
func (s *Service) Verify(source string, body []byte, signature string) error {
	secret, ok := s.secrets(source)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "unknown webhook source")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(signature)), signaturePrefix)
	if signature == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature missing")
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "webhook signature malformed")
	}
	if !hmac.Equal(provided, Sign(secret, body)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Ingest verifies and records the delivery. Once the inbox row is committed
// the delivery counts as received even if forwarding it fails; the inbox
// reconcile job surfaces those rows.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Result, error) {
	source := strings.ToLower(strings.TrimSpace(d.Source))
	eventID := strings.TrimSpace(d.EventID)
	if source == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "webhook source required")
	}
	if eventID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "webhook id required").
			WithDetails(map[string]any{"header": "X-Webhook-Id"})
	}
	if err := s.Verify(source, d.Body, d.Signature); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "source", source), "webhook signature rejected")
		return Result{}, err
	}
	if !json.Valid(d.Body) {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "webhook body must be JSON")
	}

	eventType := strings.TrimSpace(d.EventType)
	if eventType == "" {
		eventType = bodyEventType(d.Body)
	}
	if eventType == "" {
		eventType = source + ".event"
	}

	params := inbox.ReceiveParams{
		EventID:   eventID,
		Source:    source,
		EventType: eventType,
		TenantID:  d.TenantID,
		Payload:   json.RawMessage(d.Body),
	}

	receipt, err := s.inbox.Handle(ctx, params, func(ctx context.Context, tx *gorm.DB) error {
		var tenant uuid.UUID
		if d.TenantID != nil {
			tenant = *d.TenantID
		}
		_, err := s.outbox.Enqueue(ctx, tx, outbox.Event{
			TenantID:      tenant,
			EventType:     OutboxEventType(source),
			AggregateType: "inbox_event",
			AggregateID:   eventID,
			Payload: forwardedPayload{
				InboxEventID: eventID,
				Source:       source,
				EventType:    eventType,
				Body:         json.RawMessage(d.Body),
			},
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	ctx = s.logg.WithFields(ctx, map[string]any{"source": source, "inbox_event_id": eventID})
	if receipt.Err != nil {
		s.logg.Warn(ctx, "webhook recorded but forwarding failed")
	}
	return Result{Received: true, Duplicate: receipt.Duplicate}, nil
}

func bodyEventType(body []byte) string {
	var hint struct {
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(body, &hint); err != nil {
		return ""
	}
	if hint.EventType != "" {
		return strings.TrimSpace(hint.EventType)
	}
	return strings.TrimSpace(hint.Type)
}
