package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventrelay/pkg/db/models"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox/retry"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxBackoff      = 10 * time.Second
	defaultDispatchTimeout = 30 * time.Second
	jitterWindow           = 250 * time.Millisecond
)

// Outcome labels reported to WorkerMetrics.
const (
	OutcomeSent       = "sent"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeLockLost   = "lock_lost"
	OutcomeReleased   = "released"
)

type claimStore interface {
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.OutboxEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) (bool, error)
	MarkRetry(ctx context.Context, id uuid.UUID, owner string, retryCount int, nextRetryAt time.Time, message string, now time.Time) (bool, error)
	MarkDeadLetter(ctx context.Context, id uuid.UUID, owner string, retryCount int, message string, now time.Time) (bool, error)
	ReleaseClaims(ctx context.Context, ids []uuid.UUID, owner string, now time.Time) (int64, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, event models.OutboxEvent) Result
}

// WorkerMetrics receives per-batch and per-event observations. Nil disables them.
type WorkerMetrics interface {
	ObserveClaim(claimed int, duration time.Duration)
	ObserveDispatch(eventType, outcome string, duration time.Duration)
}

// Dependency is pinged before every poll.
type Dependency struct {
	Name string
	Ping func(context.Context) error
}

type WorkerParams struct {
	Logger          *logger.Logger
	Store           claimStore
	Handlers        dispatcher
	Policies        retry.Policies
	WorkerID        string
	BatchSize       int
	PollInterval    time.Duration
	MaxBackoff      time.Duration
	DispatchTimeout time.Duration
	Dependencies    []Dependency
	Metrics         WorkerMetrics
	Now             func() time.Time
}

type Worker struct {
	logg            *logger.Logger
	store           claimStore
	handlers        dispatcher
	policies        retry.Policies
	workerID        string
	batchSize       int
	pollInterval    time.Duration
	maxBackoff      time.Duration
	dispatchTimeout time.Duration
	deps            []Dependency
	metrics         WorkerMetrics
	now             func() time.Time
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Handlers == nil {
		return nil, errors.New("handler registry is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}

	w := &Worker{
		logg:            params.Logger,
		store:           params.Store,
		handlers:        params.Handlers,
		policies:        params.Policies,
		workerID:        params.WorkerID,
		batchSize:       params.BatchSize,
		pollInterval:    params.PollInterval,
		maxBackoff:      params.MaxBackoff,
		dispatchTimeout: params.DispatchTimeout,
		deps:            params.Dependencies,
		metrics:         params.Metrics,
		now:             params.Now,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = defaultMaxBackoff
	}
	if w.dispatchTimeout <= 0 {
		w.dispatchTimeout = defaultDispatchTimeout
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Run polls until ctx is canceled. A full batch loops immediately, an empty
// one sleeps for the poll interval and errors back off exponentially.
func (w *Worker) Run(ctx context.Context) error {
	ctx = w.logg.WithWorkerID(ctx, w.workerID)
	w.logg.Info(w.logg.WithField(ctx, "batch_size", w.batchSize), "outbox worker started")

	backoff := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			w.logg.Info(ctx, "outbox worker context canceled")
			return ctx.Err()
		default:
		}

		claimed, err := w.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logg.Error(ctx, "outbox worker batch error", err)
			backoff = nextBackoff(backoff, w.pollInterval, w.maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = w.pollInterval
		if claimed >= w.batchSize {
			continue
		}
		if err := sleep(ctx, withJitter(w.pollInterval)); err != nil {
			return err
		}
	}
}

func (w *Worker) tick(ctx context.Context) (int, error) {
	if err := w.ensureReadiness(ctx); err != nil {
		return 0, err
	}
	claimed, _, err := w.pollAndProcess(ctx, w.batchSize)
	return claimed, err
}

func (w *Worker) ensureReadiness(ctx context.Context) error {
	for _, dep := range w.deps {
		if dep.Ping == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", dep.Name, err)
		}
	}
	return nil
}

// PollAndProcess claims one batch and drives every claimed event to its next
// state. It returns how many events reached a new state.
func (w *Worker) PollAndProcess(ctx context.Context, batchSize int) (int, error) {
	_, handled, err := w.pollAndProcess(ctx, batchSize)
	return handled, err
}

func (w *Worker) pollAndProcess(ctx context.Context, batchSize int) (int, int, error) {
	if batchSize <= 0 {
		batchSize = w.batchSize
	}

	start := w.now()
	events, err := w.store.Claim(ctx, w.workerID, batchSize, start)
	if err != nil {
		return 0, 0, fmt.Errorf("claim outbox events: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ObserveClaim(len(events), w.now().Sub(start))
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	handled := 0
	for i, event := range events {
		if ctx.Err() != nil {
			w.release(ctx, events[i:])
			return len(events), handled, ctx.Err()
		}
		ok, err := w.process(ctx, event)
		if err != nil {
			// The failed row is still ours; hand it back with the rest.
			w.release(ctx, events[i:])
			return len(events), handled, err
		}
		if ok {
			handled++
		}
	}
	return len(events), handled, nil
}

// process returns false without error when the claim was lost or released.
func (w *Worker) process(ctx context.Context, event models.OutboxEvent) (bool, error) {
	owner := ""
	if event.LockedBy != nil {
		owner = *event.LockedBy
	}
	fields := w.eventFields(event)

	dispatchCtx, cancel := context.WithTimeout(ctx, w.dispatchTimeout)
	started := w.now()
	result := w.handlers.Dispatch(dispatchCtx, event)
	cancel()
	elapsed := w.now().Sub(started)

	persistCtx := context.WithoutCancel(ctx)
	now := w.now().UTC()

	if result.Succeeded() {
		ok, err := w.store.MarkSent(persistCtx, event.ID, owner, now)
		if err != nil {
			return false, fmt.Errorf("mark sent %s: %w", event.ID, err)
		}
		if !ok {
			w.lockLost(ctx, event, fields, elapsed)
			return false, nil
		}
		fields["status"] = enums.OutboxStatusSent
		w.observe(event.EventType, OutcomeSent, elapsed)
		w.logg.Info(w.logg.WithFields(ctx, fields), "outbox event sent")
		return true, nil
	}

	// Shutdown interrupted the handler; the attempt does not count.
	if ctx.Err() != nil {
		w.release(ctx, []models.OutboxEvent{event})
		return false, nil
	}

	cause := result.Cause()
	policy := w.policies.Resolve(event.EventType).WithMaxRetries(event.MaxRetries)
	attempt := event.RetryCount + 1
	message := TruncateError(cause)
	fields["retry_count"] = attempt
	fields["error"] = message

	if policy.ShouldRetry(attempt, cause) {
		delay := policy.CalculateNextRetry(attempt)
		ok, err := w.store.MarkRetry(persistCtx, event.ID, owner, attempt, now.Add(delay), message, now)
		if err != nil {
			return false, fmt.Errorf("mark retry %s: %w", event.ID, err)
		}
		if !ok {
			w.lockLost(ctx, event, fields, elapsed)
			return false, nil
		}
		fields["status"] = enums.OutboxStatusPending
		fields["retry_in"] = delay.String()
		w.observe(event.EventType, OutcomeRetry, elapsed)
		w.logg.Warn(w.logg.WithFields(ctx, fields), "outbox dispatch failed, retry scheduled")
		return true, nil
	}

	reason := enums.DeadLetterReasonExhausted
	if policy.Classify(cause) == retry.FailurePermanent {
		reason = enums.DeadLetterReasonPermanent
	}
	ok, err := w.store.MarkDeadLetter(persistCtx, event.ID, owner, attempt, message, now)
	if err != nil {
		return false, fmt.Errorf("mark dead letter %s: %w", event.ID, err)
	}
	if !ok {
		w.lockLost(ctx, event, fields, elapsed)
		return false, nil
	}
	fields["status"] = enums.OutboxStatusDeadLetter
	fields["dead_letter_reason"] = reason
	w.observe(event.EventType, OutcomeDeadLetter, elapsed)
	w.logg.Warn(w.logg.WithFields(ctx, fields), "outbox event moved to dead letter")
	return true, nil
}

func (w *Worker) lockLost(ctx context.Context, event models.OutboxEvent, fields map[string]any, elapsed time.Duration) {
	w.observe(event.EventType, OutcomeLockLost, elapsed)
	ctx = w.logg.WithFields(ctx, fields)
	w.logg.Warn(w.logg.WithField(ctx, "error", ErrLockLost.Error()), "outbox event claim lost before transition")
}

func (w *Worker) release(ctx context.Context, events []models.OutboxEvent) {
	if len(events) == 0 {
		return
	}
	byOwner := map[string][]models.OutboxEvent{}
	for _, event := range events {
		if event.LockedBy == nil {
			continue
		}
		byOwner[*event.LockedBy] = append(byOwner[*event.LockedBy], event)
	}
	persistCtx := context.WithoutCancel(ctx)
	for owner, owned := range byOwner {
		ids := make([]uuid.UUID, 0, len(owned))
		for _, event := range owned {
			ids = append(ids, event.ID)
		}
		released, err := w.store.ReleaseClaims(persistCtx, ids, owner, w.now())
		if err != nil {
			w.logg.Error(ctx, "release outbox claims failed", err)
			continue
		}
		for _, event := range owned {
			w.observe(event.EventType, OutcomeReleased, 0)
		}
		w.logg.Info(w.logg.WithField(ctx, "released", released), "outbox claims released")
	}
}

func (w *Worker) observe(eventType, outcome string, duration time.Duration) {
	if w.metrics != nil {
		w.metrics.ObserveDispatch(eventType, outcome, duration)
	}
}

func (w *Worker) eventFields(event models.OutboxEvent) map[string]any {
	return map[string]any{
		"event_id":       event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"retry_count":    event.RetryCount,
		"status":         event.Status,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(jitterWindow)
}
