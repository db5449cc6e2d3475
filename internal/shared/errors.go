package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPeriodLocked indicates the billing period is permanently closed.
	ErrPeriodLocked = errors.New("billing period is locked")
)
