package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is matched by every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoRecords     = errors.New("no records configured")
	// ErrNotFound is returned when no configuration file exists at any
	// of the searched locations.
	ErrNotFound = errors.New("configuration file not found")
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
