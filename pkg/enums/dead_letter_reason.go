package enums

// DeadLetterReason explains why the worker stopped retrying an event.
type DeadLetterReason string

const (
	DeadLetterReasonExhausted DeadLetterReason = "retries_exhausted"
	DeadLetterReasonPermanent DeadLetterReason = "permanent_failure"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonExhausted,
	DeadLetterReasonPermanent,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
