package tencent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	sdkerrors "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/errors"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	dnspod "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/dnspod/v20210323"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
	"github.com/yuriy-kovalchuk/auto-dns/internal/dns/lookup"
)

const (
	providerName    = "tencent"
	defaultEndpoint = "dnspod.tencentcloudapi.com"
	defaultLine     = "默认"

	codeNoRecords = "ResourceNotFound.NoDataOfRecord"
)

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

type api interface {
	DescribeRecordListWithContext(ctx context.Context, req *dnspod.DescribeRecordListRequest) (*dnspod.DescribeRecordListResponse, error)
	CreateRecordWithContext(ctx context.Context, req *dnspod.CreateRecordRequest) (*dnspod.CreateRecordResponse, error)
	ModifyRecordWithContext(ctx context.Context, req *dnspod.ModifyRecordRequest) (*dnspod.ModifyRecordResponse, error)
	DeleteRecordWithContext(ctx context.Context, req *dnspod.DeleteRecordRequest) (*dnspod.DeleteRecordResponse, error)
}

// Provider implements dns.Provider for DNSPod on Tencent Cloud. The zone ID
// of a target is the domain name.
type Provider struct {
	client   api
	verifier *lookup.Verifier
	line     string
	log      logr.Logger
}

// New creates a Tencent provider from the given settings map.
// Required settings: secret_id, secret_key.
// Optional: endpoint, record_line, nameservers.
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	id, key := settings["secret_id"], settings["secret_key"]
	if id == "" || key == "" {
		return nil, fmt.Errorf("tencent: secret_id and secret_key are required")
	}

	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = defaultEndpoint
	if endpoint := settings["endpoint"]; endpoint != "" {
		cpf.HttpProfile.Endpoint = endpoint
	}
	client, err := dnspod.NewClient(common.NewCredential(id, key), "", cpf)
	if err != nil {
		return nil, fmt.Errorf("tencent: create dns client: %w", err)
	}

	p := newWithClient(log, client, lookup.FromSettings(log, settings))
	if line := settings["record_line"]; line != "" {
		p.line = line
	}
	return p, nil
}

func newWithClient(log logr.Logger, client api, verifier *lookup.Verifier) *Provider {
	return &Provider{client: client, verifier: verifier, line: defaultLine, log: log}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) find(ctx context.Context, target dns.RecordTarget) ([]*dnspod.RecordListItem, error) {
	req := dnspod.NewDescribeRecordListRequest()
	req.Domain = common.StringPtr(target.ZoneID)
	req.Subdomain = common.StringPtr(dns.RelativeName(target.Name, target.ZoneID))
	req.RecordType = common.StringPtr(target.Type)

	resp, err := p.client.DescribeRecordListWithContext(ctx, req)
	if err != nil {
		var sdkErr *sdkerrors.TencentCloudSDKError
		if errors.As(err, &sdkErr) && sdkErr.Code == codeNoRecords {
			return nil, nil
		}
		return nil, err
	}
	if resp.Response == nil {
		return nil, nil
	}
	var records []*dnspod.RecordListItem
	for _, r := range resp.Response.RecordList {
		if r.Type != nil && *r.Type == target.Type && r.RecordId != nil && r.Value != nil {
			records = append(records, r)
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
	r := records[0]
	addr, err := dns.ParseValue(*r.Value, target.Type)
	if err != nil {
		return dns.RecordState{}, storeError(dns.OpRead, target, err)
	}
	state := dns.RecordState{Value: addr, Exists: true, Multiple: len(records) > 1}
	if r.TTL != nil {
		state.TTL = int64(*r.TTL)
	}
	return state, nil
}

// Apply modifies the record when it exists and creates it otherwise. Extra
// records under the same subdomain and type are deleted.
func (p *Provider) Apply(ctx context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	records, err := p.find(ctx, target)
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}

	sub := dns.RelativeName(target.Name, target.ZoneID)
	change := dns.ChangeHandle{Target: target, Value: value, SubmittedAt: time.Now()}

	if len(records) > 0 {
		existing := records[0]
		p.log.Info("updating record", "record", target.Name, "type", target.Type, "id", *existing.RecordId, "value", value.String())
		req := dnspod.NewModifyRecordRequest()
		req.Domain = common.StringPtr(target.ZoneID)
		req.RecordId = existing.RecordId
		req.SubDomain = common.StringPtr(sub)
		req.RecordType = common.StringPtr(target.Type)
		req.RecordLine = common.StringPtr(p.line)
		req.Value = common.StringPtr(value.String())
		req.TTL = common.Uint64Ptr(uint64(target.TTL))
		if _, err := p.client.ModifyRecordWithContext(ctx, req); err != nil {
			return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
		}
		change.ID = strconv.FormatUint(*existing.RecordId, 10)
		for _, dup := range records[1:] {
			p.log.Info("deleting duplicate record", "record", target.Name, "type", target.Type, "id", *dup.RecordId)
			del := dnspod.NewDeleteRecordRequest()
			del.Domain = common.StringPtr(target.ZoneID)
			del.RecordId = dup.RecordId
			if _, err := p.client.DeleteRecordWithContext(ctx, del); err != nil {
				return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
			}
		}
		return change, nil
	}

	p.log.Info("creating record", "record", target.Name, "type", target.Type, "value", value.String())
	req := dnspod.NewCreateRecordRequest()
	req.Domain = common.StringPtr(target.ZoneID)
	req.SubDomain = common.StringPtr(sub)
	req.RecordType = common.StringPtr(target.Type)
	req.RecordLine = common.StringPtr(p.line)
	req.Value = common.StringPtr(value.String())
	req.TTL = common.Uint64Ptr(uint64(target.TTL))
	resp, err := p.client.CreateRecordWithContext(ctx, req)
	if err != nil {
		return dns.ChangeHandle{}, storeError(dns.OpWrite, target, err)
	}
	if resp.Response != nil && resp.Response.RecordId != nil {
		change.ID = strconv.FormatUint(*resp.Response.RecordId, 10)
	}
	return change, nil
}

func (p *Provider) AwaitPropagation(ctx context.Context, change dns.ChangeHandle, timeout time.Duration) error {
	if err := p.verifier.Wait(ctx, change, timeout); err != nil {
		return storeError(dns.OpPropagation, change.Target, err)
	}
	return nil
}

func storeError(op dns.Op, target dns.RecordTarget, err error) error {
	return dns.NewStoreError(providerName, op, target, classify(err), err)
}

func classify(err error) dns.ErrorClass {
	var sdkErr *sdkerrors.TencentCloudSDKError
	if !errors.As(err, &sdkErr) {
		return dns.Classify(err)
	}
	switch code := sdkErr.Code; {
	case strings.HasPrefix(code, "AuthFailure"), strings.HasPrefix(code, "UnauthorizedOperation"):
		return dns.ClassAuth
	case strings.HasPrefix(code, "RequestLimitExceeded"):
		return dns.ClassThrottled
	case strings.HasPrefix(code, "ResourceNotFound"):
		return dns.ClassNotFound
	case strings.HasPrefix(code, "InvalidParameter"), strings.HasPrefix(code, "MissingParameter"):
		return dns.ClassInvalid
	case strings.HasPrefix(code, "ClientError.NetworkError"):
		return dns.ClassTransport
	}
	return dns.ClassProvider
}
