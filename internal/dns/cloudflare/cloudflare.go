package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	cf "github.com/cloudflare/cloudflare-go/v2"
	cfdns "github.com/cloudflare/cloudflare-go/v2/dns"
	"github.com/cloudflare/cloudflare-go/v2/option"
	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/dns/lookup"
)

const providerName = "cloudflare"

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for Cloudflare zones.
type Provider struct {
	client   *cf.Client
	verifier *lookup.Verifier
	log      logr.Logger
}

// New creates a Cloudflare provider from the given settings map.
// Required settings: api_token. Optional: base_url, nameservers.
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	token := settings["api_token"]
	if token == "" {
		return nil, fmt.Errorf("cloudflare: api_token is required")
	}

	opts := []option.RequestOption{option.WithAPIToken(token)}
	if baseURL := settings["base_url"]; baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		client:   cf.NewClient(opts...),
		verifier: lookup.FromSettings(log, settings),
		log:      log,
	}, nil
}

func (p *Provider) Name() string { return providerName }

// find returns every record matching the target's name and type.
func (p *Provider) find(ctx context.Context, target dns.RecordTarget) ([]cfdns.Record, error) {
	resp, err := p.client.DNS.Records.List(ctx, cfdns.RecordListParams{
		ZoneID: cf.F(target.ZoneID),
		Name:   cf.F(target.Name),
		Type:   cf.F(cfdns.RecordListParamsType(target.Type)),
	})
	if err != nil {
		return nil, err
	}
	var records []cfdns.Record
	for _, r := range resp.Result {
		if dns.SameName(r.Name, target.Name) && string(r.Type) == target.Type {
			records = append(records, r)
		}
	}
	return records, nil
}

func (p *Provider) CurrentValue(ctx context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	p.log.V(1).Info("reading record", "record", target.Name, "type", target.Type, "zone", target.ZoneID)

	records, err := p.find(ctx, target)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	if len(records) == 0 {
		return dns.RecordState{}, nil
	}
	content, _ := records[0].Content.(string)
	addr, err := dns.ParseValue(content, target.Type)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	return dns.RecordState{
		Value:    addr,
		TTL:      int64(records[0].TTL),
		Exists:   true,
		Multiple: len(records) > 1,
	}, nil
}

// Apply edits the existing record in place or creates it when absent.
// Duplicate records of the same name and type are deleted so that a single
// value remains.
func (p *Provider) Apply(ctx context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	records, err := p.find(ctx, target)
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}

	var result *cfdns.Record
	if len(records) > 0 {
		existing := records[0]
		p.log.Info("updating record", "record", target.Name, "type", target.Type, "id", existing.ID, "value", value.String())
		params := cfdns.RecordEditParams{ZoneID: cf.F(target.ZoneID), Record: aRecord(target, value)}
		if target.Type == "AAAA" {
			params.Record = aaaaRecord(target, value)
		}
		result, err = p.client.DNS.Records.Edit(ctx, existing.ID, params)
	} else {
		p.log.Info("creating record", "record", target.Name, "type", target.Type, "value", value.String())
		params := cfdns.RecordNewParams{ZoneID: cf.F(target.ZoneID), Record: aRecord(target, value)}
		if target.Type == "AAAA" {
			params.Record = aaaaRecord(target, value)
		}
		result, err = p.client.DNS.Records.New(ctx, params)
	}
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}
	if len(records) > 1 {
		for _, dup := range records[1:] {
			p.log.Info("deleting duplicate record", "record", target.Name, "type", target.Type, "id", dup.ID)
			_, err := p.client.DNS.Records.Delete(ctx, dup.ID, cfdns.RecordDeleteParams{ZoneID: cf.F(target.ZoneID)})
			if err != nil {
				return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
			}
		}
	}

	change := dns.ChangeHandle{Target: target, Value: value, SubmittedAt: time.Now()}
	if result != nil {
		change.ID = result.ID
	}
	return change, nil
}

// AwaitPropagation checks the zone's nameservers, Cloudflare exposes no change status.
func (p *Provider) AwaitPropagation(ctx context.Context, change dns.ChangeHandle, timeout time.Duration) error {
	if err := p.verifier.Wait(ctx, change, timeout); err != nil {
		return storeError(dns.OpPropagation, change.Target, err)
	}
	return nil
}

func ttl(target dns.RecordTarget) cfdns.TTL {
	if target.TTL == 0 {
		return 1 // automatic
	}
	return cfdns.TTL(target.TTL)
}

func aRecord(target dns.RecordTarget, value netip.Addr) cfdns.ARecordParam {
	return cfdns.ARecordParam{
		Name:    cf.F(target.Name),
		Type:    cf.F(cfdns.ARecordType(target.Type)),
		Content: cf.F(value.String()),
		TTL:     cf.F(ttl(target)),
	}
}

func aaaaRecord(target dns.RecordTarget, value netip.Addr) cfdns.AAAARecordParam {
	return cfdns.AAAARecordParam{
		Name:    cf.F(target.Name),
		Type:    cf.F(cfdns.AAAARecordType(target.Type)),
		Content: cf.F(value.String()),
		TTL:     cf.F(ttl(target)),
	}
}

func storeError(op dns.Op, target dns.RecordTarget, err error) error {
	var class dns.ErrorClass
	var apiErr *cf.Error
	if errors.As(err, &apiErr) {
		class = dns.ClassForStatus(apiErr.StatusCode)
	}
	return dns.NewStoreError(providerName, op, target, class, err)
}
