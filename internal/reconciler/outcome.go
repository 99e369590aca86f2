package reconciler

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/resolver"
)

// Status is the result of reconciling one target.
type Status string

const (
	StatusUnchanged   Status = "unchanged"
	StatusUpdated     Status = "updated"
	StatusUnconfirmed Status = "updated-unconfirmed"
	StatusFailed      Status = "failed"
)

// Reason qualifies a failed outcome.
type Reason string

const (
	ReasonReadError  Reason = "read-error"
	ReasonWriteError Reason = "write-error"
	// ReasonCanceled marks targets that were not started because the cycle
	// context was cancelled first.
	ReasonCanceled Reason = "canceled"
)

// Outcome is the per-target result of a cycle.
type Outcome struct {
	Target   dns.RecordTarget
	Status   Status
	Reason   Reason
	Previous dns.RecordState
	Value    netip.Addr
	Change   dns.ChangeHandle
	// Err is the failure for StatusFailed, or the propagation error for
	// StatusUnconfirmed.
	Err      error
	Duration time.Duration
}

// Failed reports whether the target could not be reconciled.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// CycleResult is everything one resolve-diff-apply pass produced.
type CycleResult struct {
	ID         uuid.UUID
	Started    time.Time
	Finished   time.Time
	Address    resolver.Address
	ResolveErr error
	Outcomes   []Outcome
}

// Failed reports whether the cycle must be surfaced as an error: the
// address could not be resolved or at least one target failed.
func (c CycleResult) Failed() bool {
	return c.ResolveErr != nil || c.Degraded()
}

// Degraded reports whether some targets failed.
func (c CycleResult) Degraded() bool {
	for _, o := range c.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// Counts returns the number of outcomes per status.
func (c CycleResult) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, o := range c.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Err aggregates the resolution failure and every failed outcome, nil when
// the cycle succeeded. The result is a utilerrors.Aggregate; use Errors()
// to inspect the individual failures.
func (c CycleResult) Err() error {
	var errs []error
	if c.ResolveErr != nil {
		errs = append(errs, c.ResolveErr)
	}
	for _, o := range c.Outcomes {
		if o.Failed() && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Duration is the wall time the cycle took.
func (c CycleResult) Duration() time.Duration {
	return c.Finished.Sub(c.Started)
}
