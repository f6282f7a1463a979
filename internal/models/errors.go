package models

import "errors"

var (
	// ErrValidation marks malformed recipients or anchors. Skipped, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateSchedule signals the idempotency key already exists.
	ErrDuplicateSchedule = errors.New("notification already scheduled")
	// ErrSendFailure wraps gateway rejections and timeouts.
	ErrSendFailure = errors.New("send failed")
	// ErrPersistence wraps store failures that abort a tick.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState is returned when updating an item already sent, skipped or failed.
	ErrTerminalState = errors.New("item is in a terminal state")
	// ErrAlreadyAttributed is returned when an order already has a conversion.
	ErrAlreadyAttributed = errors.New("order already attributed")
	// ErrJobBusy is returned when an admin operation meets a running tick.
	ErrJobBusy = errors.New("job is already running")
)
