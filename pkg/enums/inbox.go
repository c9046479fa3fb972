package enums

import "fmt"

// InboxStatus maps to the status column of inbox_events.
type InboxStatus string

const (
	InboxStatusReceived   InboxStatus = "received"
	InboxStatusProcessing InboxStatus = "processing"
	InboxStatusProcessed  InboxStatus = "processed"
	InboxStatusFailed     InboxStatus = "failed"
)

var validInboxStatuses = []InboxStatus{
	InboxStatusReceived,
	InboxStatusProcessing,
	InboxStatusProcessed,
	InboxStatusFailed,
}

// InboxStatuses returns every known inbox status.
func InboxStatuses() []InboxStatus {
	out := make([]InboxStatus, len(validInboxStatuses))
	copy(out, validInboxStatuses)
	return out
}

func (s InboxStatus) IsValid() bool {
	for _, candidate := range validInboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseInboxStatus converts raw input into InboxStatus.
func ParseInboxStatus(value string) (InboxStatus, error) {
	for _, candidate := range validInboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inbox status %q", value)
}
