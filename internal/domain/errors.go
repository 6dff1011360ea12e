package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks client input rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownStatus is returned for statuses outside the monitored set.
	ErrUnknownStatus = fmt.Errorf("%w: unknown status", ErrInvalidInput)

	// ErrNegativeCount is returned when a count is below zero.
	ErrNegativeCount = fmt.Errorf("%w: count must be non-negative", ErrInvalidInput)

	// ErrInvalidTimestamp is returned for unparseable or far-future timestamps.
	ErrInvalidTimestamp = fmt.Errorf("%w: invalid timestamp", ErrInvalidInput)

	// ErrHistoryUnavailable is returned when the history window cannot be read.
	ErrHistoryUnavailable = errors.New("history unavailable")

	// ErrPersistence is returned when an observation cannot be written.
	ErrPersistence = errors.New("persist observation")

	// ErrNotificationDelivery is returned when a notification sink rejects an alert.
	ErrNotificationDelivery = errors.New("notification delivery failed")
)
