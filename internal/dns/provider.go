package dns

import (
	"context"
	"net/netip"
	"time"
)

// RecordTarget is a DNS record kept in sync with the public IP.
type RecordTarget struct {
	Name   string // FQDN without trailing dot, e.g. "home.example.com"
	ZoneID string // provider zone identifier (hosted zone ID, zone ID or domain)
	TTL    int64  // seconds
	Type   string // "A" or "AAAA"
}

func (t RecordTarget) String() string {
	return t.Type + " " + t.Name
}

// RecordState is the value currently published for a target.
// Exists is false when the provider has no record of that name and type.
// Multiple is set when more than one value is published under the name;
// Value then holds the first one.
type RecordState struct {
	Value    netip.Addr
	TTL      int64
	Exists   bool
	Multiple bool
}

// Matches reports whether the published value already equals addr and is
// the only value.
func (s RecordState) Matches(addr netip.Addr) bool {
	return s.Exists && !s.Multiple && s.Value == addr
}

// ChangeHandle identifies an accepted write so that its propagation can be awaited.
type ChangeHandle struct {
	ID          string
	Target      RecordTarget
	Value       netip.Addr
	SubmittedAt time.Time
}

// Provider is the interface that DNS providers must implement.
//
// Apply upserts a single-value record in one provider mutation: it creates
// the record when absent and replaces it otherwise. All methods return a
// *StoreError on failure.
type Provider interface {
	Name() string
	CurrentValue(ctx context.Context, target RecordTarget) (RecordState, error)
	Apply(ctx context.Context, target RecordTarget, value netip.Addr) (ChangeHandle, error)
	// AwaitPropagation blocks until the provider reports the change as
	// served, or returns an error wrapping ErrPropagationTimeout once
	// timeout elapses.
	AwaitPropagation(ctx context.Context, change ChangeHandle, timeout time.Duration) error
}
