package aliyun

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/dns/lookup"
)

const (
	providerName    = "aliyun"
	defaultEndpoint = "alidns.aliyuncs.com"
	defaultTimeout  = 30 * time.Second
)

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

type api interface {
	DescribeDomainRecords(*alidns.DescribeDomainRecordsRequest) (*alidns.DescribeDomainRecordsResponse, error)
	AddDomainRecord(*alidns.AddDomainRecordRequest) (*alidns.AddDomainRecordResponse, error)
	UpdateDomainRecord(*alidns.UpdateDomainRecordRequest) (*alidns.UpdateDomainRecordResponse, error)
	DeleteDomainRecord(*alidns.DeleteDomainRecordRequest) (*alidns.DeleteDomainRecordResponse, error)
}

// Provider implements dns.Provider for Alibaba Cloud DNS. The zone ID of a
// target is the domain name registered with Alibaba Cloud.
type Provider struct {
	client   api
	verifier *lookup.Verifier
	log      logr.Logger
}

// New creates an Aliyun provider from the given settings map.
// Required settings: access_key_id, access_key_secret.
// Optional: endpoint, timeout (Go duration), nameservers.
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	keyID, secret := settings["access_key_id"], settings["access_key_secret"]
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("aliyun: access_key_id and access_key_secret are required")
	}

	endpoint := settings["endpoint"]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := defaultTimeout
	if s := settings["timeout"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("aliyun: invalid timeout %q: %w", s, err)
		}
		timeout = d
	}
	ms := int(timeout.Milliseconds())

	client, err := alidns.NewClient(&openapi.Config{
		AccessKeyId:     tea.String(keyID),
		AccessKeySecret: tea.String(secret),
		Endpoint:        tea.String(endpoint),
		ConnectTimeout:  tea.Int(ms),
		ReadTimeout:     tea.Int(ms),
	})
	if err != nil {
		return nil, fmt.Errorf("aliyun: create dns client: %w", err)
	}
	return newWithClient(log, client, lookup.FromSettings(log, settings)), nil
}

func newWithClient(log logr.Logger, client api, verifier *lookup.Verifier) *Provider {
	return &Provider{client: client, verifier: verifier, log: log}
}

func (p *Provider) Name() string { return providerName }

type record struct {
	id    string
	value string
	ttl   int64
}

func (p *Provider) find(ctx context.Context, target dns.RecordTarget) ([]record, error) {
	rr := dns.RelativeName(target.Name, target.ZoneID)
	resp, err := call(ctx, func() (*alidns.DescribeDomainRecordsResponse, error) {
		return p.client.DescribeDomainRecords(&alidns.DescribeDomainRecordsRequest{
			DomainName: tea.String(target.ZoneID),
			RRKeyWord:  tea.String(rr),
			Type:       tea.String(target.Type),
		})
	})
	if err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body.DomainRecords == nil {
		return nil, nil
	}
	// RRKeyWord is a fuzzy match, keep only the exact label.
	var records []record
	for _, r := range resp.Body.DomainRecords.Record {
		if strings.EqualFold(tea.StringValue(r.RR), rr) && tea.StringValue(r.Type) == target.Type {
			records = append(records, record{
				id:    tea.StringValue(r.RecordId),
				value: tea.StringValue(r.Value),
				ttl:   tea.Int64Value(r.TTL),
			})
		}
	}
	return records, nil
}

func (p *Provider) CurrentValue(ctx context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	p.log.V(1).Info("reading record", "record", target.Name, "type", target.Type, "domain", target.ZoneID)

	records, err := p.find(ctx, target)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	if len(records) == 0 {
		return dns.RecordState{}, nil
	}
	addr, err := dns.ParseValue(records[0].value, target.Type)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	return dns.RecordState{Value: addr, TTL: records[0].ttl, Exists: true, Multiple: len(records) > 1}, nil
}

// Apply updates the record when it exists and adds it otherwise. Extra
// records under the same label and type are deleted.
func (p *Provider) Apply(ctx context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	records, err := p.find(ctx, target)
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}

	rr := dns.RelativeName(target.Name, target.ZoneID)
	change := dns.ChangeHandle{Target: target, Value: value, SubmittedAt: time.Now()}
	if len(records) > 0 {
		existing := records[0]
		p.log.Info("updating record", "record", target.Name, "type", target.Type, "id", existing.id, "value", value.String())
		resp, err := call(ctx, func() (*alidns.UpdateDomainRecordResponse, error) {
			return p.client.UpdateDomainRecord(&alidns.UpdateDomainRecordRequest{
				RecordId: tea.String(existing.id),
				RR:       tea.String(rr),
				Type:     tea.String(target.Type),
				Value:    tea.String(value.String()),
				TTL:      tea.Int64(target.TTL),
			})
		})
		if err != nil {
			return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
		}
		change.ID = existing.id
		if resp.Body != nil && resp.Body.RecordId != nil {
			change.ID = tea.StringValue(resp.Body.RecordId)
		}
		for _, dup := range records[1:] {
			p.log.Info("deleting duplicate record", "record", target.Name, "type", target.Type, "id", dup.id)
			_, err := call(ctx, func() (*alidns.DeleteDomainRecordResponse, error) {
				return p.client.DeleteDomainRecord(&alidns.DeleteDomainRecordRequest{RecordId: tea.String(dup.id)})
			})
			if err != nil {
				return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
			}
		}
		return change, nil
	}

	p.log.Info("creating record", "record", target.Name, "type", target.Type, "value", value.String())
	resp, err := call(ctx, func() (*alidns.AddDomainRecordResponse, error) {
		return p.client.AddDomainRecord(&alidns.AddDomainRecordRequest{
			DomainName: tea.String(target.ZoneID),
			RR:         tea.String(rr),
			Type:       tea.String(target.Type),
			Value:      tea.String(value.String()),
			TTL:        tea.Int64(target.TTL),
		})
	})
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}
	if resp.Body != nil {
		change.ID = tea.StringValue(resp.Body.RecordId)
	}
	return change, nil
}

func (p *Provider) AwaitPropagation(ctx context.Context, change dns.ChangeHandle, timeout time.Duration) error {
	if err := p.verifier.Wait(ctx, change, timeout); err != nil {
		return storeError(dns.OpPropagation, change.Target, err)
	}
	return nil
}

// call runs a blocking SDK request and gives up when ctx is done. The
// request itself is bounded by the client's read timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func storeError(op dns.Op, target dns.RecordTarget, err error) error {
	return dns.NewStoreError(providerName, op, target, classify(err), err)
}

func classify(err error) dns.ErrorClass {
	var sdkErr *tea.SDKError
	if !errors.As(err, &sdkErr) {
		return dns.Classify(err)
	}
	code := tea.StringValue(sdkErr.Code)
	switch {
	case strings.HasPrefix(code, "InvalidAccessKeyId"), code == "SignatureDoesNotMatch",
		strings.HasPrefix(code, "Forbidden"), code == "IncompleteSignature":
		return dns.ClassAuth
	case strings.HasPrefix(code, "Throttling"):
		return dns.ClassThrottled
	case strings.HasPrefix(code, "InvalidDomainName"), strings.HasSuffix(code, "NotExist"), strings.HasSuffix(code, "NoExist"):
		return dns.ClassNotFound
	case strings.HasPrefix(code, "Invalid"), code == "DomainRecordDuplicate", code == "DomainRecordConflict":
		return dns.ClassInvalid
	}
	if sdkErr.StatusCode != nil {
		if status := tea.IntValue(sdkErr.StatusCode); status != 0 {
			return dns.ClassForStatus(status)
		}
	}
	return dns.ClassProvider
}
