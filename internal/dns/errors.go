package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrPropagationTimeout = errors.New("timed out waiting for propagation")
	ErrInvalidRecord      = errors.New("invalid record value")
)

// Op names the adapter operation that failed.
type Op string

const (
	OpRead        Op = "read"
	OpWrite       Op = "write"
	OpPropagation Op = "propagation"
)

// ErrorClass groups failures by what an operator has to do about them.
type ErrorClass string

const (
	ClassTransport ErrorClass = "transport"
	ClassTimeout   ErrorClass = "timeout"
	ClassAuth      ErrorClass = "auth"
	ClassThrottled ErrorClass = "throttled"
	ClassNotFound  ErrorClass = "not-found"
	ClassInvalid   ErrorClass = "invalid"
	ClassProvider  ErrorClass = "provider"
)

// StoreError is returned by every Provider method.
type StoreError struct {
	Provider string
	Op       Op
	Record   string
	Zone     string
	Class    ErrorClass
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s %s in zone %s: %s: %v", e.Provider, e.Op, e.Record, e.Zone, e.Class, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err for target. When class is empty it is derived
// from err with Classify.
func NewStoreError(provider string, op Op, target RecordTarget, class ErrorClass, err error) *StoreError {
	if class == "" {
		class = Classify(err)
	}
	return &StoreError{
		Provider: provider,
		Op:       op,
		Record:   target.Name,
		Zone:     target.ZoneID,
		Class:    class,
		Err:      err,
	}
}

// Classify derives a class from errors that carry no provider-specific code.
func Classify(err error) ErrorClass {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrPropagationTimeout):
		return ClassTimeout
	case errors.Is(err, ErrRecordNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalidRecord):
		return ClassInvalid
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransport
	}
	return ClassProvider
}

// ClassForStatus maps an HTTP status code returned by a provider API.
func ClassForStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 404:
		return ClassNotFound
	case status == 429:
		return ClassThrottled
	case status >= 400 && status < 500:
		return ClassInvalid
	}
	return ClassProvider
}
