package controllers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/api/responses"
	"github.com/angelmondragon/eventrelay/internal/webhooks"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

const (
	headerWebhookID        = "X-Webhook-Id"
	headerWebhookSignature = "X-Webhook-Signature"
	headerWebhookEvent     = "X-Webhook-Event"
	headerTenantID         = "X-Tenant-Id"

	maxWebhookBodyBytes = 1 << 20
)

type WebhookIngester interface {
	Ingest(ctx context.Context, d webhooks.Delivery) (webhooks.Result, error)
}

// Webhook accepts a signed delivery from {source} and acknowledges it once it is durable.
func Webhook(svc WebhookIngester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		delivery := webhooks.Delivery{
			Source:    chi.URLParam(r, "source"),
			EventID:   r.Header.Get(headerWebhookID),
			EventType: r.Header.Get(headerWebhookEvent),
			Signature: r.Header.Get(headerWebhookSignature),
			Body:      body,
		}
		if raw := strings.TrimSpace(r.Header.Get(headerTenantID)); raw != "" {
			tenant, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tenant id"))
				return
			}
			delivery.TenantID = &tenant
		}

		result, err := svc.Ingest(ctx, delivery)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}
