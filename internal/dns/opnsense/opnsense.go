package opnsense

import (
	"bytes"
	"cmp"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

const providerName = "opnsense"

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for OPNsense Unbound host overrides.
// Overrides carry no TTL; the target TTL is ignored.
type Provider struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	log       logr.Logger
}

// New creates an OPNsense DNS provider from the given settings map.
// Required settings: base_url, api_key, api_secret.
// Optional settings: skip_tls_verify (default false).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	for _, key := range []string{"base_url", "api_key", "api_secret"} {
		if settings[key] == "" {
			return nil, fmt.Errorf("opnsense: missing required setting '%s'", key)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if settings["skip_tls_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Provider{
		baseURL:   strings.TrimRight(settings["base_url"], "/"),
		apiKey:    settings["api_key"],
		apiSecret: settings["api_secret"],
		client:    &http.Client{Transport: transport},
		log:       log,
	}, nil
}

func (p *Provider) Name() string { return providerName }

// statusError is a non-200 answer from the API.
type statusError struct {
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Body)
}

// call sends in as the JSON body (none when nil) and decodes the answer into out.
func (p *Provider) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+"/"+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.apiSecret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// hostRow is a single host override from searchHostOverride.
type hostRow struct {
	UUID     string `json:"uuid"`
	Enabled  string `json:"enabled"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	RR       string `json:"rr"`
	Server   string `json:"server"`
}

func (r hostRow) disabled() int {
	if r.Enabled == "0" {
		return 1
	}
	return 0
}

// split returns the override hostname and domain for target. The zone ID,
// when set, is the override domain.
func split(target dns.RecordTarget) (host, domain string) {
	if target.ZoneID != "" {
		return dns.RelativeName(target.Name, target.ZoneID), strings.ToLower(target.ZoneID)
	}
	return dns.SplitHostname(target.Name)
}

// findOverrides returns every override for target, enabled ones first.
func (p *Provider) findOverrides(ctx context.Context, target dns.RecordTarget) ([]hostRow, error) {
	var sr struct {
		Rows []hostRow `json:"rows"`
	}
	if err := p.call(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, &sr); err != nil {
		return nil, err
	}

	host, domain := split(target)
	var rows []hostRow
	for _, row := range sr.Rows {
		if strings.EqualFold(row.Hostname, host) &&
			strings.EqualFold(row.Domain, domain) &&
			strings.EqualFold(row.RR, target.Type) {
			rows = append(rows, row)
		}
	}
	slices.SortStableFunc(rows, func(a, b hostRow) int {
		return cmp.Compare(a.disabled(), b.disabled())
	})
	return rows, nil
}

func (p *Provider) CurrentValue(ctx context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	p.log.V(1).Info("reading host override", "record", target.Name, "type", target.Type)

	rows, err := p.findOverrides(ctx, target)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	rows = slices.DeleteFunc(rows, func(r hostRow) bool { return r.disabled() != 0 })
	if len(rows) == 0 {
		return dns.RecordState{}, nil
	}
	addr, err := dns.ParseValue(rows[0].Server, target.Type)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	return dns.RecordState{Value: addr, Exists: true, Multiple: len(rows) > 1}, nil
}

// Apply sets the override (adding it when absent), deletes other enabled
// overrides of the same name and type, then reconfigures Unbound.
func (p *Provider) Apply(ctx context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	rows, err := p.findOverrides(ctx, target)
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}
	var row *hostRow
	if len(rows) > 0 {
		row = &rows[0]
	}

	host, domain := split(target)
	body := map[string]any{
		"host": map[string]string{
			"enabled":     "1",
			"hostname":    host,
			"domain":      domain,
			"rr":          target.Type,
			"server":      value.String(),
			"description": "managed by auto-dns",
			"mxprio":      "",
			"mx":          "",
		},
	}

	var result struct {
		Result string `json:"result"`
		UUID   string `json:"uuid"`
	}
	path := "unbound/settings/addHostOverride"
	if row != nil {
		path = "unbound/settings/setHostOverride/" + row.UUID
		result.UUID = row.UUID
		p.log.Info("updating host override", "record", target.Name, "type", target.Type, "uuid", row.UUID, "value", value.String())
	} else {
		p.log.Info("creating host override", "record", target.Name, "type", target.Type, "value", value.String())
	}
	if err := p.call(ctx, http.MethodPost, path, body, &result); err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}
	if result.Result != "saved" {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target,
			fmt.Errorf("%s unexpected result: %q", path, result.Result))
	}
	if len(rows) > 1 {
		for _, dup := range rows[1:] {
			if dup.disabled() != 0 {
				continue
			}
			if err := p.deleteOverride(ctx, dup.UUID); err != nil {
				return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
			}
			p.log.Info("deleted duplicate host override", "record", target.Name, "type", target.Type, "uuid", dup.UUID)
		}
	}
	if err := p.reconfigure(ctx); err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}

	return dns.ChangeHandle{ID: result.UUID, Target: target, Value: value, SubmittedAt: time.Now()}, nil
}

// AwaitPropagation returns immediately: Unbound serves the override once
// reconfigure has returned.
func (p *Provider) AwaitPropagation(context.Context, dns.ChangeHandle, time.Duration) error {
	return nil
}

func (p *Provider) deleteOverride(ctx context.Context, uuid string) error {
	var result struct {
		Result string `json:"result"`
	}
	path := "unbound/settings/delHostOverride/" + uuid
	if err := p.call(ctx, http.MethodPost, path, struct{}{}, &result); err != nil {
		return err
	}
	if result.Result != "deleted" {
		return fmt.Errorf("%s unexpected result: %q", path, result.Result)
	}
	return nil
}

// reconfigure tells OPNsense to apply DNS changes.
func (p *Provider) reconfigure(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/service/reconfigure", struct{}{}, &result); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	p.log.V(1).Info("reconfigure completed", "status", result.Status)
	return nil
}

func storeError(op dns.Op, target dns.RecordTarget, err error) error {
	var class dns.ErrorClass
	var se *statusError
	if errors.As(err, &se) {
		class = dns.ClassForStatus(se.Status)
	}
	return dns.NewStoreError(providerName, op, target, class, err)
}
