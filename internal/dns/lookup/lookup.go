// Package lookup verifies that a record change is served by the zone's
// authoritative nameservers.
package lookup

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-logr/logr"
	mdns "github.com/miekg/dns"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

const (
	DefaultInterval     = 5 * time.Second
	defaultQueryTimeout = 5 * time.Second

	resolvConf = "/etc/resolv.conf"
)

var fallbackResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Verifier polls nameservers until they answer with the expected value.
type Verifier struct {
	// Nameservers are queried as host:port. When empty the authoritative
	// servers of the record's zone are discovered on every Wait.
	Nameservers []string
	// Resolvers are the recursive servers asked for a zone's NS records.
	Resolvers   []string
	Interval    time.Duration
	Log         logr.Logger

	client *mdns.Client
	// discover is replaced in tests.
	discover func(ctx context.Context, fqdn string) ([]string, error)
}

// NewVerifier returns a Verifier; nameservers without a port get ":53".
func NewVerifier(log logr.Logger, nameservers []string) *Verifier {
	ns := make([]string, 0, len(nameservers))
	for _, s := range nameservers {
		ns = append(ns, withPort(s))
	}
	v := &Verifier{
		Nameservers: ns,
		Resolvers:   systemResolvers(),
		Interval:    DefaultInterval,
		Log:         log,
		client:      &mdns.Client{Timeout: defaultQueryTimeout},
	}
	v.discover = v.authoritative
	return v
}

// FromSettings builds a Verifier from the comma separated "nameservers"
// provider setting.
func FromSettings(log logr.Logger, settings map[string]string) *Verifier {
	var ns []string
	for _, s := range strings.Split(settings["nameservers"], ",") {
		if s = strings.TrimSpace(s); s != "" {
			ns = append(ns, s)
		}
	}
	return NewVerifier(log.WithName("lookup"), ns)
}

// Wait implements the propagation check shared by providers that expose no
// change status. It returns an error wrapping dns.ErrPropagationTimeout when
// the servers still disagree after timeout.
func (v *Verifier) Wait(ctx context.Context, change dns.ChangeHandle, timeout time.Duration) error {
	fqdn := dns01.ToFqdn(change.Target.Name)
	servers := v.Nameservers
	if len(servers) == 0 {
		found, err := v.discover(ctx, fqdn)
		if err != nil {
			return fmt.Errorf("discovering authoritative nameservers for %s: %w", fqdn, err)
		}
		servers = found
	}

	qtype := mdns.TypeA
	if change.Target.Type == "AAAA" {
		qtype = mdns.TypeAAAA
	}

	interval := v.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		for _, ns := range servers {
			served, err := v.query(ctx, ns, fqdn, qtype)
			if err != nil {
				v.Log.V(1).Info("nameserver query failed", "nameserver", ns, "record", fqdn, "error", err.Error())
				return false, nil
			}
			if !containsAddr(served, change.Value) {
				v.Log.V(1).Info("change not visible yet", "nameserver", ns, "record", fqdn, "served", served)
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return fmt.Errorf("%w: %s on %v", dns.ErrPropagationTimeout, fqdn, servers)
		}
		return err
	}
	v.Log.V(1).Info("change visible on all nameservers", "record", fqdn, "nameservers", servers)
	return nil
}

func (v *Verifier) query(ctx context.Context, server, fqdn string, qtype uint16) ([]netip.Addr, error) {
	m := new(mdns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = false

	in, _, err := v.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if in.Rcode != mdns.RcodeSuccess && in.Rcode != mdns.RcodeNameError {
		return nil, fmt.Errorf("nameserver answered %s", mdns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch r := rr.(type) {
		case *mdns.A:
			ip = r.A
		case *mdns.AAAA:
			ip = r.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	return addrs, nil
}

// authoritative finds the zone apex with lego's SOA walk and returns its NS hosts.
func (v *Verifier) authoritative(ctx context.Context, fqdn string) ([]string, error) {
	zone, err := dns01.FindZoneByFqdn(fqdn)
	if err != nil {
		return nil, err
	}
	return v.zoneNameservers(ctx, zone)
}

// zoneNameservers asks each resolver in turn for the NS set of zone.
func (v *Verifier) zoneNameservers(ctx context.Context, zone string) ([]string, error) {
	resolvers := v.Resolvers
	if len(resolvers) == 0 {
		resolvers = systemResolvers()
	}
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(zone), mdns.TypeNS)

	var errs []error
	for _, r := range resolvers {
		in, _, err := v.client.ExchangeContext(ctx, m, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if in.Rcode != mdns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("%s answered %s", r, mdns.RcodeToString[in.Rcode]))
			continue
		}
		var servers []string
		for _, rr := range in.Answer {
			if ns, ok := rr.(*mdns.NS); ok {
				servers = append(servers, withPort(strings.TrimSuffix(ns.Ns, ".")))
			}
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("zone %s has no NS records", zone)
		}
		return servers, nil
	}
	return nil, fmt.Errorf("looking up NS for %s: %w", zone, utilerrors.NewAggregate(errs))
}

// systemResolvers reads resolv.conf, falling back to public resolvers.
func systemResolvers() []string {
	cfg, err := mdns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return slices.Clone(fallbackResolvers)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

func containsAddr(addrs []netip.Addr, want netip.Addr) bool {
	for _, a := range addrs {
		if a == want.Unmap() {
			return true
		}
	}
	return false
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}
