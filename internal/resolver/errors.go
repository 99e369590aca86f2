package resolver

import (
	"fmt"
	"strings"
)

// AttemptError is the failure of a single echo service.
type AttemptError struct {
	Endpoint string
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ResolutionError is returned when no service produced a valid address.
type ResolutionError struct {
	Attempts []error
}

func (e *ResolutionError) Error() string {
	if len(e.Attempts) == 0 {
		return "failed to detect public IP: no service was queried"
	}
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, a.Error())
	}
	return "failed to detect public IP from any service: " + strings.Join(msgs, "; ")
}

func (e *ResolutionError) Unwrap() []error { return e.Attempts }
