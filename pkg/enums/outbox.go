package enums

import "fmt"

// OutboxStatus maps to the status column of outbox_events.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusProcessing,
	OutboxStatusSent,
	OutboxStatusFailed,
	OutboxStatusDeadLetter,
}

// OutboxStatuses returns every known status in display order.
func OutboxStatuses() []OutboxStatus {
	out := make([]OutboxStatus, len(validOutboxStatuses))
	copy(out, validOutboxStatuses)
	return out
}

// IsValid reports whether the value matches a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// dead_letter -> pending is the administrative requeue.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxStatusPending:
		return next == OutboxStatusProcessing
	case OutboxStatusProcessing:
		return next == OutboxStatusSent || next == OutboxStatusPending || next == OutboxStatusDeadLetter
	case OutboxStatusDeadLetter:
		return next == OutboxStatusPending
	default:
		return false
	}
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
