package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FailureClass is the outcome of classifying a dispatch failure.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
	FailureUnknown   FailureClass = "unknown"
)

// RetryableError tags a handler failure as transient regardless of its cause.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable failure"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError tags a handler failure as non-retryable regardless of its cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

var transientKeywords = []string{
	"timeout",
	"timedout",
	"deadlineexceeded",
	"connect",
	"connrefused",
	"connreset",
	"unavailable",
	"temporary",
	"toomanyrequests",
	"ratelimit",
	"brokenpipe",
	"dependency",
	"throttl",
}

var permanentKeywords = []string{
	"validation",
	"invalid",
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"permissiondenied",
	"notfound",
	"unprocessable",
	"malformed",
	"unsupported",
	"notregistered",
}

var transientGRPCCodes = map[codes.Code]struct{}{
	codes.Unavailable:       {},
	codes.DeadlineExceeded:  {},
	codes.ResourceExhausted: {},
	codes.Aborted:           {},
	codes.Internal:          {},
}

var permanentGRPCCodes = map[codes.Code]struct{}{
	codes.InvalidArgument:    {},
	codes.NotFound:           {},
	codes.PermissionDenied:   {},
	codes.Unauthenticated:    {},
	codes.FailedPrecondition: {},
	codes.AlreadyExists:      {},
	codes.Unimplemented:      {},
	codes.OutOfRange:         {},
}

// Classify maps err onto a FailureClass. Tagged handler results win, then the
// policy override lists, the curated transient and permanent sets, and
// finally an HTTP status carried by the error.
func (p Policy) Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return FailurePermanent
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return FailureTransient
	}

	names := KindNames(err)
	if matchesAny(names, p.TransientErrors) {
		return FailureTransient
	}
	if matchesAny(names, p.PermanentErrors) {
		return FailurePermanent
	}

	if isCuratedTransient(err, names) {
		return FailureTransient
	}
	if isCuratedPermanent(err, names) {
		return FailurePermanent
	}

	if code, ok := StatusCodeOf(err); ok {
		switch {
		case code >= 500 && code <= 599:
			return FailureTransient
		case code >= 400 && code <= 499:
			return FailurePermanent
		}
	}

	return FailureUnknown
}

func isCuratedTransient(err error, names []string) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if st, ok := status.FromError(err); ok {
		if _, hit := transientGRPCCodes[st.Code()]; hit {
			return true
		}
	}

	var typed interface{ Retryable() bool }
	if errors.As(err, &typed) && typed.Retryable() {
		return true
	}

	if code, ok := StatusCodeOf(err); ok && (code == http.StatusRequestTimeout || code == http.StatusTooManyRequests) {
		return true
	}

	return containsKeyword(names, transientKeywords)
}

func isCuratedPermanent(err error, names []string) bool {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return true
	}

	if st, ok := status.FromError(err); ok {
		if _, hit := permanentGRPCCodes[st.Code()]; hit {
			return true
		}
	}

	var typed interface{ Retryable() bool }
	if errors.As(err, &typed) && !typed.Retryable() {
		return true
	}

	return containsKeyword(names, permanentKeywords)
}

// StatusCodeOf extracts an HTTP status from errors produced by outbound calls.
func StatusCodeOf(err error) (int, bool) {
	var withStatus interface{ StatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.StatusCode(), true
	}
	var withHTTPStatus interface{ HTTPStatus() int }
	if errors.As(err, &withHTTPStatus) {
		return withHTTPStatus.HTTPStatus(), true
	}
	return 0, false
}

// KindNames lists the normalized kind names found along err's chain: the
// value of Kind() when present, otherwise the Go type name.
func KindNames(err error) []string {
	var names []string
	seen := map[string]struct{}{}
	add := func(name string) {
		name = normalizeKind(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	var walk func(error, int)
	walk = func(e error, depth int) {
		if e == nil || depth > 32 {
			return
		}
		if k, ok := e.(interface{ Kind() string }); ok {
			add(k.Kind())
		}
		if typeName := goTypeName(e); !genericTypeNames[typeName] {
			add(typeName)
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, depth+1)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap(), depth+1)
		}
	}
	walk(err, 0)
	return names
}

var genericTypeNames = map[string]bool{
	"errorstring":    true,
	"wraperror":      true,
	"wraperrors":     true,
	"joinerror":      true,
	"retryableerror": true,
	"permanenterror": true,
	"error":          true,
}

func goTypeName(e error) string {
	name := fmt.Sprintf("%T", e)
	name = strings.TrimLeft(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return normalizeKind(name)
}

func normalizeKind(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case '_', '-', '.', ' ', ':':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func matchesAny(names []string, candidates []string) bool {
	for _, candidate := range candidates {
		want := normalizeKind(candidate)
		if want == "" {
			continue
		}
		for _, name := range names {
			if name == want {
				return true
			}
		}
	}
	return false
}

func containsKeyword(names []string, keywords []string) bool {
	for _, name := range names {
		for _, keyword := range keywords {
			if strings.Contains(name, keyword) {
				return true
			}
		}
	}
	return false
}
