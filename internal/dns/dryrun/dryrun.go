// Package dryrun provides a record store that writes nothing. It reports a
// simulated current value and logs the changes a real provider would make.
package dryrun

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

const providerName = "dryrun"

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider keeps applied values in memory for the life of the process.
type Provider struct {
	mu      sync.Mutex
	initial netip.Addr
	values  map[string]netip.Addr
	log     logr.Logger
}

// New creates a dry-run provider. The optional "current" setting is the
// value every record reports until the first simulated write.
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	p := &Provider{values: map[string]netip.Addr{}, log: log}
	if s := settings["current"]; s != "" {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dryrun: invalid current value %q: %w", s, err)
		}
		p.initial = addr
	}
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) CurrentValue(_ context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.values[target.String()]; ok {
		return dns.RecordState{Value: v, TTL: target.TTL, Exists: true}, nil
	}
	if p.initial.IsValid() && dns.RecordType(p.initial) == target.Type {
		return dns.RecordState{Value: p.initial, TTL: target.TTL, Exists: true}, nil
	}
	return dns.RecordState{}, nil
}

func (p *Provider) Apply(_ context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info("would update record", "record", target.Name, "type", target.Type, "zone", target.ZoneID, "ttl", target.TTL, "value", value.String())
	p.values[target.String()] = value
	return dns.ChangeHandle{ID: "dryrun", Target: target, Value: value, SubmittedAt: time.Now()}, nil
}

func (p *Provider) AwaitPropagation(context.Context, dns.ChangeHandle, time.Duration) error {
	return nil
}
