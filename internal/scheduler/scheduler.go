// Package scheduler drives reconciliation cycles, either once or on a fixed
// start-to-start interval until shutdown.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/yuriy-kovalchuk/auto-dns/internal/reconciler"
)

// MinInterval is the shortest accepted polling interval.
const MinInterval = 10 * time.Second

// State is the lifecycle state of a Scheduler.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Cycler runs one reconciliation cycle. *reconciler.Reconciler implements it.
type Cycler interface {
	RunCycle(ctx context.Context) reconciler.CycleResult
}

// Observer is notified with every finished cycle, from the scheduler goroutine.
type Observer func(reconciler.CycleResult)

// Scheduler runs at most one cycle at a time.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	clock    clock.Clock
	log      logr.Logger

	mu        sync.Mutex
	state     State
	observers []Observer
	last      *reconciler.CycleResult
	cycles    int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock, typically with a fake one in tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithObserver registers o before the scheduler starts.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// New creates a scheduler running c every interval.
func New(c Cycler, interval time.Duration, log logr.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cycler:   c,
		interval: interval,
		clock:    clock.RealClock{},
		log:      log,
		state:    StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe registers an observer for subsequent cycles.
func (s *Scheduler) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Last returns the most recent finished cycle.
func (s *Scheduler) Last() (reconciler.CycleResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return reconciler.CycleResult{}, false
	}
	return *s.last, true
}

// Cycles returns how many cycles have finished.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// RunOnce runs exactly one cycle. Cancelling ctx does not interrupt it.
func (s *Scheduler) RunOnce(ctx context.Context) reconciler.CycleResult {
	return s.cycle(ctx)
}

// Run runs cycles until ctx is cancelled. The interval is measured from the
// start of one cycle to the start of the next; a cycle that overruns it is
// followed immediately by the next one. Cancellation is observed between
// cycles only, so the in-flight cycle always finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.log.WithValues("interval", s.interval.String())
	log.Info("starting scheduler")
	defer s.setState(StateIdle)
	stop := context.AfterFunc(ctx, func() { s.setState(StateStopping) })
	defer stop()

	for {
		start := s.clock.Now()
		s.cycle(ctx)
		if ctx.Err() != nil {
			log.Info("shutdown requested, scheduler stopped")
			return nil
		}

		wait := start.Add(s.interval).Sub(s.clock.Now())
		if wait <= 0 {
			log.Info("cycle overran the interval, starting the next one immediately", "overrun", (-wait).String())
			continue
		}
		log.V(1).Info("waiting for next cycle", "next", start.Add(s.interval).Format(time.RFC3339))

		t := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("shutdown requested, scheduler stopped")
			return nil
		case <-t.C():
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) reconciler.CycleResult {
	s.mu.Lock()
	if s.state != StateStopping {
		s.state = StateRunning
	}
	s.mu.Unlock()

	res := s.cycler.RunCycle(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.last = &res
	s.cycles++
	if s.state == StateRunning {
		s.state = StateIdle
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(res)
	}
	return res
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}
