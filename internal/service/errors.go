package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid trip status transition")
	ErrKeyConflictExhausted = errors.New("aggregate key conflict: retries exhausted")
	ErrInvalidTrip          = errors.New("invalid trip for aggregation")
	ErrTripNotTerminal      = errors.New("trip has not reached a terminal state")
)

// ValidationError names the field a rejected trip failed on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
