package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/eventrelay/api/responses"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	pkgredis "github.com/angelmondragon/eventrelay/pkg/redis"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	purgeIdempotencyTTL   = 7 * 24 * time.Hour

	maxIdempotencyKeyLen = 128
	replayedHeader       = "Idempotent-Replayed"
)

// adminMutation names one replayable admin operation. A "*" segment in
// path matches a single path segment and becomes the operation target.
type adminMutation struct {
	operation string
	method    string
	path      []string
	ttl       time.Duration
}

var adminMutations = []adminMutation{
	newAdminMutation("deadletter.retry", http.MethodPost, "/api/admin/outbox/dead-letters/*/retry", defaultIdempotencyTTL),
	newAdminMutation("deadletter.retry_all", http.MethodPost, "/api/admin/outbox/dead-letters/retry", defaultIdempotencyTTL),
	newAdminMutation("stuck.release", http.MethodPost, "/api/admin/outbox/stuck/*/release", defaultIdempotencyTTL),
	newAdminMutation("deadletter.purge", http.MethodDelete, "/api/admin/outbox/dead-letters", purgeIdempotencyTTL),
}

func newAdminMutation(operation, method, path string, ttl time.Duration) adminMutation {
	return adminMutation{operation: operation, method: method, path: splitPath(path), ttl: ttl}
}

// match reports whether the request path belongs to m and returns the
// value of its wildcard segment, if any.
func (m adminMutation) match(method string, segments []string) (string, bool) {
	if m.method != method || len(m.path) != len(segments) {
		return "", false
	}
	target := ""
	for i, want := range m.path {
		if want == "*" {
			if segments[i] == "" {
				return "", false
			}
			target = segments[i]
			continue
		}
		if want != segments[i] {
			return "", false
		}
	}
	return target, true
}

type idempotencyRecord struct {
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Idempotency replays the first response of an admin mutation when it is
// retried with the same Idempotency-Key. Keys are scoped to the caller,
// the operation and its target event. Server errors are not recorded so a
// retry after a 5xx runs the operation again.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mutation, target, ok := matchMutation(r.Method, requestPath(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientKey, err := idempotencyKeyFromHeader(r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(mutationScope(r.Context(), mutation, target), clientKey)

			stored, getErr := store.Get(r.Context(), key)
			if getErr != nil && !errors.Is(getErr, redis.Nil) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, getErr, "check idempotency"))
				return
			}
			if stored != "" {
				record, decodeErr := decodeRecord(stored)
				if decodeErr != nil {
					responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, decodeErr, "decode idempotency record"))
					return
				}
				if record.RequestHash != requestHash {
					responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body").
						WithDetails(map[string]any{"operation": mutation.operation}))
					return
				}
				writeStoredResponse(w, record)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := defaultStatus(rec.status)
			if status >= http.StatusInternalServerError {
				return
			}
			record := idempotencyRecord{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: requestHash,
				StoredAt:    time.Now().UTC(),
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}

			payload, marshalErr := json.Marshal(record)
			if marshalErr != nil {
				logError(r.Context(), logg, "idempotency.marshal_failed", marshalErr)
				return
			}
			if _, setErr := store.SetNX(r.Context(), key, string(payload), mutation.ttl); setErr != nil {
				logError(r.Context(), logg, "idempotency.persist_failed", setErr)
			}
		})
	}
}

// idempotencyKeyFromHeader accepts up to maxIdempotencyKeyLen printable
// ASCII characters without spaces.
func idempotencyKeyFromHeader(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key too long").
			WithDetails(map[string]any{"max_length": maxIdempotencyKeyLen})
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key must be printable ASCII without spaces")
		}
	}
	return key, nil
}

// mutationScope ties a key to who called which operation on what. The
// retry-all and purge filters live in the body and are covered by the
// request hash.
func mutationScope(ctx context.Context, m adminMutation, target string) string {
	actor := ActorIDFromContext(ctx)
	if actor == "" {
		actor = "anonymous"
	}
	if target == "" {
		return actor + "|" + m.operation
	}
	return actor + "|" + m.operation + "|" + target
}

func matchMutation(method, path string) (adminMutation, string, bool) {
	if path == "" {
		return adminMutation{}, "", false
	}
	segments := splitPath(path)
	for _, m := range adminMutations {
		if target, ok := m.match(method, segments); ok {
			return m, target, true
		}
	}
	return adminMutation{}, "", false
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func decodeRecord(payload string) (*idempotencyRecord, error) {
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func writeStoredResponse(w http.ResponseWriter, record *idempotencyRecord) {
	if ct, ok := record.Headers["Content-Type"]; ok && ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

// requestPath matches on the concrete path since middleware mounted on a
// subrouter runs before chi has resolved the final route pattern.
func requestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.URL.Path
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
