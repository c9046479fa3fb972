package outbox

import (
	"context"
	"fmt"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/outbox/retry"
)

// ResultKind tags the outcome a handler reports.
type ResultKind int

const (
	// ResultOK means the side effect completed.
	ResultOK ResultKind = iota
	// ResultRetryable means the failure is known to be transient.
	ResultRetryable
	// ResultPermanent means retrying cannot help.
	ResultPermanent
	// ResultFailed is an untagged failure left to the retry policy to classify.
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultRetryable:
		return "retryable"
	case ResultPermanent:
		return "permanent"
	default:
		return "failed"
	}
}

// Result is what a handler returns for one dispatch.
type Result struct {
	Kind ResultKind
	Err  error
}

func OK() Result { return Result{Kind: ResultOK} }

func Retryable(err error) Result { return Result{Kind: ResultRetryable, Err: err} }

func Permanent(err error) Result { return Result{Kind: ResultPermanent, Err: err} }

// FromError converts a plain error into an untagged Result.
func FromError(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{Kind: ResultFailed, Err: err}
}

// Succeeded reports whether the dispatch completed.
func (r Result) Succeeded() bool {
	return r.Kind == ResultOK
}

// Cause returns the failure with its tag attached so classification can see it.
func (r Result) Cause() error {
	switch r.Kind {
	case ResultOK:
		return nil
	case ResultRetryable:
		return retry.Retryable(r.errOrDefault())
	case ResultPermanent:
		return retry.Permanent(r.errOrDefault())
	default:
		return r.errOrDefault()
	}
}

func (r Result) errOrDefault() error {
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("handler reported %s without an error", r.Kind)
}

// Handler performs the side effect for one event. Handlers must be idempotent:
// delivery is at least once.
type Handler interface {
	Handle(ctx context.Context, event models.OutboxEvent) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event models.OutboxEvent) Result

func (f HandlerFunc) Handle(ctx context.Context, event models.OutboxEvent) Result {
	return f(ctx, event)
}

// ErrorHandler adapts an error-returning function; its failures are classified
// by the retry policy.
func ErrorHandler(fn func(ctx context.Context, event models.OutboxEvent) error) Handler {
	return HandlerFunc(func(ctx context.Context, event models.OutboxEvent) Result {
		return FromError(fn(ctx, event))
	})
}

// HandlerRegistry maps event types to handlers. Registration happens during
// startup; the worker only reads it afterwards.
type HandlerRegistry struct {
	handlers map[string]Handler
	fallback Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type. "*" registers the fallback used
// for types without an explicit handler.
func (r *HandlerRegistry) Register(eventType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("outbox: nil handler for %q", eventType)
	}
	key := retry.NormalizeEventType(eventType)
	if key == "" {
		return fmt.Errorf("outbox: event type is required")
	}
	if key == retry.Wildcard {
		if r.fallback != nil {
			return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, key)
		}
		r.fallback = handler
		return nil
	}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, key)
	}
	r.handlers[key] = handler
	return nil
}

// EventTypes lists the explicitly registered types.
func (r *HandlerRegistry) EventTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		out = append(out, key)
	}
	return out
}

// Dispatch runs the handler for event. It never panics and never returns a
// zero Result for a failure: missing handlers are permanent, panics are
// left for classification.
func (r *HandlerRegistry) Dispatch(ctx context.Context, event models.OutboxEvent) (result Result) {
	handler, ok := r.handlers[retry.NormalizeEventType(event.EventType)]
	if !ok {
		handler = r.fallback
	}
	if handler == nil {
		return Permanent(fmt.Errorf("%w: %s", ErrHandlerNotRegistered, event.EventType))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = FromError(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return handler.Handle(ctx, event)
}
