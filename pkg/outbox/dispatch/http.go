// Package dispatch holds the bundled outbox handlers and builds a handler
// registry from the routes file.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
)

const maxErrorBodyBytes = 512

// StatusError is a non-2xx answer from a delivery endpoint.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("POST %s returned %d", e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusCode exposes the HTTP status to failure classification.
func (e *StatusError) StatusCode() int {
	return e.Code
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPHandler POSTs the event envelope as JSON to a fixed URL.
type HTTPHandler struct {
	client  httpDoer
	url     string
	headers map[string]string
	timeout time.Duration
}

func NewHTTPHandler(client httpDoer, url string, headers map[string]string, timeout time.Duration) (*HTTPHandler, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("dispatch url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{client: client, url: url, headers: headers, timeout: timeout}, nil
}

func (h *HTTPHandler) Handle(ctx context.Context, event models.OutboxEvent) outbox.Result {
	body, err := json.Marshal(outbox.NewEnvelope(event))
	if err != nil {
		return outbox.Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return outbox.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID.String())
	req.Header.Set("X-Event-Type", event.EventType)
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return outbox.FromError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return outbox.OK()
	}
	// Read past the limit so the cut lands on a whole rune.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes+utf8.UTFMax))
	return outbox.FromError(&StatusError{
		Code: resp.StatusCode,
		URL:  h.url,
		Body: strings.TrimSpace(pkgerrors.StorableText(string(snippet), maxErrorBodyBytes)),
	})
}
