// Package resolver determines the public IP address of this host by asking
// external echo services.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// DefaultIPv4Services is the ordered list of echo services used when none are configured.
var DefaultIPv4Services = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
	"https://checkip.amazonaws.com",
	"https://ipecho.net/plain",
}

// DefaultIPv6Services is used in IPv6 mode when no services are configured.
var DefaultIPv6Services = []string{
	"https://api6.ipify.org",
	"https://ipv6.icanhazip.com",
}

const (
	DefaultTimeout = 10 * time.Second

	// An IPv6 literal is at most 45 bytes; anything longer is not an address.
	maxBodySize = 64
)

// Family selects which address family the resolver accepts.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Address is a freshly resolved public address.
type Address struct {
	Addr       netip.Addr
	Source     string
	ResolvedAt time.Time
}

// Interface is what the reconciler needs from a resolver.
type Interface interface {
	Resolve(ctx context.Context) (Address, error)
}

// Endpoint is a parsed echo service URL.
type Endpoint struct {
	URL *url.URL
}

func (e Endpoint) String() string { return e.URL.String() }

// ParseEndpoints parses service URLs, keeping their order.
func ParseEndpoints(services []string) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(services))
	for _, s := range services {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing service URL %q: %w", s, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("service URL %q: scheme must be http or https", s)
		}
		endpoints = append(endpoints, Endpoint{URL: u})
	}
	return endpoints, nil
}

// Web asks each endpoint in order and returns the first valid address.
type Web struct {
	endpoints []Endpoint
	family    Family
	timeout   time.Duration
	client    *http.Client
	log       logr.Logger
	now       func() time.Time
}

// Option configures a Web resolver.
type Option func(*Web)

// WithTimeout bounds each endpoint request. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(w *Web) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithHTTPClient replaces the client used to query endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Web) {
		if c != nil {
			w.client = c
		}
	}
}

// WithFamily sets the address family the resolver must return.
func WithFamily(f Family) Option {
	return func(w *Web) { w.family = f }
}

// WithLogger sets the logger used while querying endpoints.
func WithLogger(log logr.Logger) Option {
	return func(w *Web) { w.log = log }
}

// NewWeb creates a resolver over the given endpoints.
func NewWeb(endpoints []Endpoint, opts ...Option) (*Web, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no external IP lookup services were provided")
	}
	w := &Web{
		endpoints: endpoints,
		family:    IPv4,
		timeout:   DefaultTimeout,
		client:    http.DefaultClient,
		log:       logr.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Resolve implements Interface.
//
// Endpoints are tried once each, in order. A failing endpoint is logged and
// skipped; a ResolutionError is returned only when every endpoint failed.
func (w *Web) Resolve(ctx context.Context) (Address, error) {
	var attempts []error
	for i, ep := range w.endpoints {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, &AttemptError{Endpoint: ep.String(), Err: err})
			break
		}
		w.log.V(1).Info("querying IP service", "service", ep.String(), "attempt", i+1)

		addr, err := w.lookup(ctx, ep)
		if err != nil {
			w.log.Info("IP service failed, trying next", "service", ep.String(), "error", err.Error())
			attempts = append(attempts, &AttemptError{Endpoint: ep.String(), Err: err})
			continue
		}
		w.log.V(1).Info("resolved public IP", "service", ep.String(), "ip", addr.String())
		return Address{Addr: addr, Source: ep.String(), ResolvedAt: w.now()}, nil
	}
	return Address{}, &ResolutionError{Attempts: attempts}
}

func (w *Web) lookup(ctx context.Context, ep Endpoint) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "auto-dns")

	resp, err := w.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodySize {
		return netip.Addr{}, fmt.Errorf("%w: response body longer than %d bytes", ErrMalformed, maxBodySize)
	}
	return ParseLiteral(string(body), w.family)
}

// ErrMalformed marks a response that is not a bare IP literal.
var ErrMalformed = errors.New("malformed response")

// ParseLiteral validates that body is exactly one IP literal of the given
// family. A single trailing "\n" or "\r\n" is accepted; any other
// whitespace or surrounding text is rejected.
func ParseLiteral(body string, family Family) (netip.Addr, error) {
	s := strings.TrimSuffix(body, "\n")
	s = strings.TrimSuffix(s, "\r")
	if s == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return netip.Addr{}, fmt.Errorf("%w: unexpected whitespace in %q", ErrMalformed, truncate(s))
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IP address", ErrMalformed, truncate(s))
	}
	if addr.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("%w: %q carries an interface zone", ErrMalformed, s)
	}
	switch family {
	case IPv6:
		if !addr.Is6() || addr.Is4In6() {
			return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrMalformed, s)
		}
	default:
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrMalformed, s)
		}
	}
	return addr, nil
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// Static always resolves to the same address.
type Static struct {
	Addr netip.Addr
}

// NewStatic parses addr and checks it belongs to family.
func NewStatic(addr string, family Family) (*Static, error) {
	a, err := ParseLiteral(addr, family)
	if err != nil {
		return nil, err
	}
	return &Static{Addr: a}, nil
}

// Resolve returns the configured address.
func (s *Static) Resolve(context.Context) (Address, error) {
	return Address{Addr: s.Addr, Source: "static", ResolvedAt: time.Now()}, nil
}
