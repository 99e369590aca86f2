// Package reconciler diffs the resolved public address against each
// configured record and applies corrections through a dns.Provider.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/resolver"
)

const (
	DefaultStoreTimeout       = 30 * time.Second
	DefaultPropagationTimeout = 2 * time.Minute
	DefaultMaxConcurrency     = 4
)

// Propagation controls whether updates wait for the provider to serve them.
type Propagation struct {
	Wait    bool
	Timeout time.Duration
}

// Reconciler reconciles the configured targets against the public address.
type Reconciler struct {
	Resolver resolver.Interface
	Provider dns.Provider
	Targets  []dns.RecordTarget
	Log      logr.Logger

	// StoreTimeout bounds every CurrentValue and Apply call.
	StoreTimeout   time.Duration
	Propagation    Propagation
	MaxConcurrency int
	Clock          clock.PassiveClock
}

// RunCycle resolves the public address and reconciles every target against
// it. When resolution fails no target is read or written.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	res := CycleResult{ID: uuid.New(), Started: r.passiveClock().Now()}
	log := r.Log.WithValues("cycle", res.ID.String())
	ctx = logr.NewContext(ctx, log)

	addr, err := r.Resolver.Resolve(ctx)
	if err != nil {
		log.Error(err, "public address resolution failed, skipping all records this cycle")
		res.ResolveErr = err
		res.Finished = r.passiveClock().Now()
		return res
	}
	log.V(1).Info("resolved public address", "address", addr.Addr.String(), "source", addr.Source)

	res.Address = addr
	res.Outcomes = r.ReconcileAll(ctx, addr, r.Targets)
	res.Finished = r.passiveClock().Now()

	counts := res.Counts()
	log.Info("cycle finished",
		"address", addr.Addr.String(),
		"unchanged", counts[StatusUnchanged],
		"updated", counts[StatusUpdated]+counts[StatusUnconfirmed],
		"failed", counts[StatusFailed],
		"duration", res.Duration().String())
	return res
}

// ReconcileAll reconciles targets against addr and returns one outcome per
// target, in target order. Targets are independent: a failure on one never
// affects another.
func (r *Reconciler) ReconcileAll(ctx context.Context, addr resolver.Address, targets []dns.RecordTarget) []Outcome {
	log := r.Log
	if l, err := logr.FromContext(ctx); err == nil {
		log = l
	}

	outcomes := make([]Outcome, len(targets))
	started := make([]bool, len(targets))
	workers := min(len(targets), r.maxConcurrency())
	if workers == 0 {
		return outcomes
	}

	workqueue.ParallelizeUntil(ctx, workers, len(targets), func(i int) {
		started[i] = true
		outcomes[i] = r.reconcile(ctx, log, addr.Addr, targets[i])
	})

	for i := range outcomes {
		if !started[i] {
			outcomes[i] = Outcome{
				Target: targets[i],
				Status: StatusFailed,
				Reason: ReasonCanceled,
				Value:  addr.Addr,
				Err:    fmt.Errorf("%s: not reconciled: %w", targets[i], context.Cause(ctx)),
			}
		}
	}
	return outcomes
}

func (r *Reconciler) reconcile(ctx context.Context, log logr.Logger, addr netip.Addr, target dns.RecordTarget) (out Outcome) {
	start := r.passiveClock().Now()
	if target.Type == "" {
		target.Type = dns.RecordType(addr)
	}
	log = log.WithValues("record", target.Name, "type", target.Type, "zone", target.ZoneID, "provider", r.Provider.Name())
	out = Outcome{Target: target, Value: addr}
	defer func() { out.Duration = r.passiveClock().Since(start) }()

	if dns.RecordType(addr) != target.Type {
		out.Status, out.Reason = StatusFailed, ReasonWriteError
		out.Err = fmt.Errorf("%s: cannot publish %s address %s", target, dns.RecordType(addr), addr)
		log.Error(out.Err, "address family does not match record type")
		return out
	}

	readCtx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	state, err := r.Provider.CurrentValue(readCtx, target)
	cancel()
	if err != nil {
		out.Status, out.Reason, out.Err = StatusFailed, ReasonReadError, err
		log.Error(err, "failed to read current record value", "class", errorClass(err))
		return out
	}
	out.Previous = state

	if state.Matches(addr) {
		out.Status = StatusUnchanged
		log.V(1).Info("record is up to date", "value", addr.String())
		return out
	}

	previous := "<absent>"
	if state.Exists {
		previous = state.Value.String()
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	change, err := r.Provider.Apply(writeCtx, target, addr)
	cancel()
	if err != nil {
		out.Status, out.Reason, out.Err = StatusFailed, ReasonWriteError, err
		log.Error(err, "failed to update record", "from", previous, "to", addr.String(), "class", errorClass(err))
		return out
	}
	out.Change = change
	out.Status = StatusUpdated
	log.Info("record updated", "from", previous, "to", addr.String(), "change", change.ID)

	if !r.Propagation.Wait {
		return out
	}
	timeout := r.Propagation.Timeout
	if timeout <= 0 {
		timeout = DefaultPropagationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout+r.storeTimeout())
	defer cancel()
	if err := r.Provider.AwaitPropagation(waitCtx, change, timeout); err != nil {
		// The write was accepted, so this never fails the target.
		out.Status, out.Err = StatusUnconfirmed, err
		log.Info("update accepted but propagation was not confirmed", "timeout", timeout.String(), "error", err.Error())
		return out
	}
	log.V(1).Info("change propagated", "change", change.ID)
	return out
}

func (r *Reconciler) storeTimeout() time.Duration {
	if r.StoreTimeout <= 0 {
		return DefaultStoreTimeout
	}
	return r.StoreTimeout
}

func (r *Reconciler) maxConcurrency() int {
	if r.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return r.MaxConcurrency
}

func (r *Reconciler) passiveClock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}
	return r.Clock
}

func errorClass(err error) string {
	var se *dns.StoreError
	if errors.As(err, &se) {
		return string(se.Class)
	}
	return string(dns.Classify(err))
}
