package outbox

import "errors"

var (
	// ErrHandlerNotRegistered is returned for events whose type has no handler.
	ErrHandlerNotRegistered = errors.New("outbox: handler not registered")
	// ErrHandlerAlreadyRegistered is returned when a type is registered twice.
	ErrHandlerAlreadyRegistered = errors.New("outbox: handler already registered")
	// ErrLockLost means the row was released or reclaimed while it was being dispatched.
	ErrLockLost = errors.New("outbox: claim lost before transition")
	// ErrTransactionRequired guards Enqueue against being called outside a transaction.
	ErrTransactionRequired = errors.New("outbox: transaction required")
)
