package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/resolver"
)

// mockDNSProvider records DNS operations for test assertions.
type mockDNSProvider struct {
	mu        sync.Mutex
	values    map[string]netip.Addr // published values keyed by record name
	readErrs  map[string]error
	writeErrs map[string]error
	awaitErr  error
	applied   []string // "name=value" in call order
	awaited   int
	reads     int

	inflight, peak atomic.Int32
	delay          time.Duration
}

func newMock(values map[string]string) *mockDNSProvider {
	m := &mockDNSProvider{values: map[string]netip.Addr{}, readErrs: map[string]error{}, writeErrs: map[string]error{}}
	for k, v := range values {
		m.values[k] = netip.MustParseAddr(v)
	}
	return m
}

func (m *mockDNSProvider) Name() string { return "mock" }

func (m *mockDNSProvider) CurrentValue(ctx context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if err := m.readErrs[target.Name]; err != nil {
		return dns.RecordState{}, dns.NewStoreError("mock", dns.OpRead, target, "", err)
	}
	v, ok := m.values[target.Name]
	if !ok {
		return dns.RecordState{}, nil
	}
	return dns.RecordState{Value: v, TTL: target.TTL, Exists: true}, nil
}

func (m *mockDNSProvider) Apply(_ context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErrs[target.Name]; err != nil {
		return dns.ChangeHandle{}, dns.NewStoreError("mock", dns.OpWrite, target, "", err)
	}
	m.applied = append(m.applied, target.Name+"="+value.String())
	m.values[target.Name] = value
	return dns.ChangeHandle{ID: "change-" + target.Name, Target: target, Value: value}, nil
}

func (m *mockDNSProvider) AwaitPropagation(_ context.Context, change dns.ChangeHandle, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaited++
	return m.awaitErr
}

func (m *mockDNSProvider) writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

type stubResolver struct {
	addr  string
	err   error
	calls int
}

func (s *stubResolver) Resolve(context.Context) (resolver.Address, error) {
	s.calls++
	if s.err != nil {
		return resolver.Address{}, s.err
	}
	return resolver.Address{Addr: netip.MustParseAddr(s.addr), Source: "stub", ResolvedAt: time.Now()}, nil
}

func target(name string) dns.RecordTarget {
	return dns.RecordTarget{Name: name, ZoneID: "Z1", TTL: 300}
}

func address(s string) resolver.Address {
	return resolver.Address{Addr: netip.MustParseAddr(s), Source: "test"}
}

func newReconciler(t *testing.T, p dns.Provider, targets ...dns.RecordTarget) *Reconciler {
	return &Reconciler{
		Resolver: &stubResolver{addr: "5.6.7.8"},
		Provider: p,
		Targets:  targets,
		Log:      testr.New(t),
	}
}

func TestChangeApplication(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	r := newReconciler(t, mock)

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{target("home.example.com")})

	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != StatusUpdated {
		t.Errorf("expected updated, got %s (%v)", outcomes[0].Status, outcomes[0].Err)
	}
	if got := mock.writes(); len(got) != 1 || got[0] != "home.example.com=5.6.7.8" {
		t.Errorf("expected exactly one write of 5.6.7.8, got %v", got)
	}
	if outcomes[0].Previous.Value != netip.MustParseAddr("1.2.3.4") {
		t.Errorf("expected previous value to be recorded, got %+v", outcomes[0].Previous)
	}
	if outcomes[0].Target.Type != "A" {
		t.Errorf("expected record type derived from the address, got %q", outcomes[0].Target.Type)
	}
}

func TestIdempotence(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	r := newReconciler(t, mock)
	targets := []dns.RecordTarget{target("home.example.com")}

	for i, want := range []Status{StatusUnchanged, StatusUnchanged} {
		outcomes := r.ReconcileAll(context.Background(), address("1.2.3.4"), targets)
		if outcomes[0].Status != want {
			t.Errorf("run %d: expected %s, got %s", i+1, want, outcomes[0].Status)
		}
	}
	if got := mock.writes(); len(got) != 0 {
		t.Errorf("expected zero writes, got %v", got)
	}
}

func TestSecondRunAfterUpdateIsUnchanged(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	r := newReconciler(t, mock)
	targets := []dns.RecordTarget{target("home.example.com")}

	r.ReconcileAll(context.Background(), address("5.6.7.8"), targets)
	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), targets)
	if outcomes[0].Status != StatusUnchanged {
		t.Errorf("expected unchanged on the second run, got %s", outcomes[0].Status)
	}
	if got := mock.writes(); len(got) != 1 {
		t.Errorf("expected a single write over both runs, got %v", got)
	}
}

func TestAbsentRecordIsCreated(t *testing.T) {
	mock := newMock(nil)
	r := newReconciler(t, mock)

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{target("new.example.com")})
	if outcomes[0].Status != StatusUpdated {
		t.Fatalf("expected updated, got %s", outcomes[0].Status)
	}
	if outcomes[0].Previous.Exists {
		t.Error("expected the previous state to be absent")
	}
}

func TestIsolation(t *testing.T) {
	mock := newMock(map[string]string{"a.example.com": "1.2.3.4", "b.example.com": "5.6.7.8", "c.example.com": "1.1.1.1"})
	mock.readErrs["a.example.com"] = errors.New("connection reset")
	mock.writeErrs["c.example.com"] = errors.New("access denied")
	r := newReconciler(t, mock)

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"),
		[]dns.RecordTarget{target("a.example.com"), target("b.example.com"), target("c.example.com")})

	tests := []struct {
		name   string
		status Status
		reason Reason
	}{
		{"a.example.com", StatusFailed, ReasonReadError},
		{"b.example.com", StatusUnchanged, ""},
		{"c.example.com", StatusFailed, ReasonWriteError},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := outcomes[i]
			if o.Target.Name != tt.name {
				t.Fatalf("outcome order changed: got %s at %d", o.Target.Name, i)
			}
			if o.Status != tt.status || o.Reason != tt.reason {
				t.Errorf("got %s(%s), want %s(%s)", o.Status, o.Reason, tt.status, tt.reason)
			}
		})
	}

	var se *dns.StoreError
	if !errors.As(outcomes[0].Err, &se) || se.Record != "a.example.com" || se.Zone != "Z1" {
		t.Errorf("expected a StoreError naming the record and zone, got %v", outcomes[0].Err)
	}
}

func TestUnconfirmedPropagation(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	mock.awaitErr = fmt.Errorf("%w: still serving 1.2.3.4", dns.ErrPropagationTimeout)
	r := newReconciler(t, mock)
	r.Propagation = Propagation{Wait: true, Timeout: time.Second}

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{target("home.example.com")})
	o := outcomes[0]
	if o.Status != StatusUnconfirmed {
		t.Fatalf("expected updated-unconfirmed, got %s", o.Status)
	}
	if o.Failed() {
		t.Error("an unconfirmed update must not count as failed")
	}
	if !errors.Is(o.Err, dns.ErrPropagationTimeout) {
		t.Errorf("expected the propagation error to be kept, got %v", o.Err)
	}
	if mock.awaited != 1 {
		t.Errorf("expected one propagation wait, got %d", mock.awaited)
	}
}

func TestConfirmedPropagation(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	r := newReconciler(t, mock)
	r.Propagation = Propagation{Wait: true, Timeout: time.Second}

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{target("home.example.com")})
	if outcomes[0].Status != StatusUpdated {
		t.Fatalf("expected updated, got %s", outcomes[0].Status)
	}
}

func TestNoPropagationWaitByDefault(t *testing.T) {
	mock := newMock(map[string]string{"home.example.com": "1.2.3.4"})
	r := newReconciler(t, mock)

	r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{target("home.example.com")})
	if mock.awaited != 0 {
		t.Errorf("expected no propagation wait, got %d", mock.awaited)
	}
}

func TestFamilyMismatchFails(t *testing.T) {
	mock := newMock(nil)
	r := newReconciler(t, mock)
	aaaa := target("home.example.com")
	aaaa.Type = "AAAA"

	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), []dns.RecordTarget{aaaa})
	if !outcomes[0].Failed() {
		t.Fatalf("expected failure, got %s", outcomes[0].Status)
	}
	if mock.reads != 0 || len(mock.writes()) != 0 {
		t.Error("expected no store access for a mismatched family")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	mock := newMock(nil)
	mock.delay = 20 * time.Millisecond
	r := newReconciler(t, mock)
	r.MaxConcurrency = 2

	var targets []dns.RecordTarget
	for i := range 6 {
		targets = append(targets, target(fmt.Sprintf("h%d.example.com", i)))
	}
	outcomes := r.ReconcileAll(context.Background(), address("5.6.7.8"), targets)

	for _, o := range outcomes {
		if o.Status != StatusUpdated {
			t.Errorf("%s: expected updated, got %s", o.Target.Name, o.Status)
		}
	}
	if peak := mock.peak.Load(); peak > 2 {
		t.Errorf("expected at most 2 concurrent reads, saw %d", peak)
	}
}

func TestCancelledContextSkipsTargets(t *testing.T) {
	mock := newMock(nil)
	r := newReconciler(t, mock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := r.ReconcileAll(ctx, address("5.6.7.8"), []dns.RecordTarget{target("a.example.com"), target("b.example.com")})
	for _, o := range outcomes {
		if o.Status != StatusFailed || o.Reason != ReasonCanceled {
			t.Errorf("%s: expected failed(canceled), got %s(%s)", o.Target.Name, o.Status, o.Reason)
		}
	}
	if len(mock.writes()) != 0 {
		t.Error("expected no writes after cancellation")
	}
}

func TestRunCycle(t *testing.T) {
	mock := newMock(map[string]string{"a.example.com": "1.2.3.4", "b.example.com": "5.6.7.8"})
	r := newReconciler(t, mock, target("a.example.com"), target("b.example.com"))

	res := r.RunCycle(context.Background())
	if res.ResolveErr != nil {
		t.Fatalf("unexpected resolve error: %v", res.ResolveErr)
	}
	if res.Address.Addr != netip.MustParseAddr("5.6.7.8") {
		t.Errorf("unexpected address %s", res.Address.Addr)
	}
	counts := res.Counts()
	if counts[StatusUpdated] != 1 || counts[StatusUnchanged] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
	if res.Failed() || res.Err() != nil {
		t.Errorf("expected a successful cycle, got %v", res.Err())
	}
	if res.ID.String() == "" || res.Finished.Before(res.Started) {
		t.Errorf("cycle metadata not set: %+v", res)
	}
}

func TestResolverFailureTouchesNoTarget(t *testing.T) {
	mock := newMock(map[string]string{"a.example.com": "1.2.3.4"})
	r := newReconciler(t, mock, target("a.example.com"))
	r.Resolver = &stubResolver{err: &resolver.ResolutionError{Attempts: []error{errors.New("all down")}}}

	res := r.RunCycle(context.Background())
	if res.ResolveErr == nil {
		t.Fatal("expected the resolution error to be reported")
	}
	if len(res.Outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d", len(res.Outcomes))
	}
	if mock.reads != 0 || len(mock.writes()) != 0 {
		t.Errorf("expected zero store calls, got %d reads %d writes", mock.reads, len(mock.writes()))
	}
	if !res.Failed() {
		t.Error("expected the cycle to be failed")
	}
	if res.Degraded() {
		t.Error("a resolution failure is not a per-target degradation")
	}
}

func TestCycleErrAggregatesFailures(t *testing.T) {
	mock := newMock(nil)
	mock.readErrs["a.example.com"] = errors.New("boom a")
	mock.readErrs["b.example.com"] = errors.New("boom b")
	r := newReconciler(t, mock, target("a.example.com"), target("b.example.com"))
	r.Log = logr.Discard()

	res := r.RunCycle(context.Background())
	if !res.Degraded() {
		t.Fatal("expected a degraded cycle")
	}
	var agg utilerrors.Aggregate
	if !errors.As(res.Err(), &agg) {
		t.Fatalf("expected an aggregate error, got %v", res.Err())
	}
	if len(agg.Errors()) != 2 {
		t.Fatalf("expected one error per failed target, got %v", agg.Errors())
	}
	for _, err := range agg.Errors() {
		var se *dns.StoreError
		if !errors.As(err, &se) || se.Op != dns.OpRead {
			t.Errorf("expected a read StoreError, got %v", err)
		}
	}

	ok := newReconciler(t, newMock(nil), target("a.example.com"))
	if err := ok.RunCycle(context.Background()).Err(); err != nil {
		t.Errorf("expected no error for a successful cycle, got %v", err)
	}
}
