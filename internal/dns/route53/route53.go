package route53

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

const (
	providerName = "route53"

	// Route53 allows five API requests per second per account.
	requestsPerSecond = 5
	pollInterval      = 5 * time.Second
)

func init() {
	dns.Register(providerName, func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(context.Background(), log, settings)
	})
}

// api is the subset of the Route53 client used by Provider.
type api interface {
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

// Provider implements dns.Provider for AWS Route53 hosted zones.
type Provider struct {
	client  api
	limiter *rate.Limiter
	backoff wait.Backoff
	poll    time.Duration
	log     logr.Logger
	now     func() time.Time
}

// New creates a Route53 provider from the given settings map.
// Optional settings: region (default us-east-1), access_key_id and
// secret_access_key (static credentials), session_token, profile, endpoint.
// Without static keys the SDK default chain is used (environment, shared
// files, container or instance role).
func New(ctx context.Context, log logr.Logger, settings map[string]string) (*Provider, error) {
	region := settings["region"]
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	keyID, secret := settings["access_key_id"], settings["secret_access_key"]
	switch {
	case keyID != "" && secret != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, settings["session_token"])))
	case keyID != "" || secret != "":
		return nil, errors.New("route53: access_key_id and secret_access_key must be set together")
	}
	if profile := settings["profile"]; profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("route53: loading AWS configuration: %w", err)
	}

	client := route53.NewFromConfig(cfg, func(o *route53.Options) {
		if endpoint := settings["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newWithClient(log, client), nil
}

func newWithClient(log logr.Logger, client api) *Provider {
	return &Provider{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		backoff: retry.DefaultBackoff,
		poll:    pollInterval,
		log:     log,
		now:     time.Now,
	}
}

func (p *Provider) Name() string { return providerName }

// CurrentValue reads the record set named by target from its hosted zone.
func (p *Provider) CurrentValue(ctx context.Context, target dns.RecordTarget) (dns.RecordState, error) {
	p.log.V(1).Info("reading record", "record", target.Name, "type", target.Type, "zone", target.ZoneID)

	if err := p.limiter.Wait(ctx); err != nil {
		return dns.RecordState{}, p.storeError(dns.OpRead, target, err)
	}
	out, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(target.ZoneID),
		StartRecordName: aws.String(fqdn(target.Name)),
		StartRecordType: types.RRType(target.Type),
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return dns.RecordState{}, p.storeError(dns.OpRead, target, err)
	}

	// The listing starts at the requested name and type but returns the
	// next record set in the zone when there is no exact match. Names come
	// back with special characters escaped, "*" as \052.
	for _, rrs := range out.ResourceRecordSets {
		if !dns.SameName(aws.ToString(rrs.Name), target.Name) || string(rrs.Type) != target.Type {
			continue
		}
		if len(rrs.ResourceRecords) == 0 {
			// Alias records carry no values and cannot be managed here.
			return dns.RecordState{}, p.storeError(dns.OpRead, target,
				fmt.Errorf("%w: %s is an alias record", dns.ErrInvalidRecord, target.Name))
		}
		value := aws.ToString(rrs.ResourceRecords[0].Value)
		addr, err := dns.ParseValue(value, target.Type)
		if err != nil {
			return dns.RecordState{}, p.storeError(dns.OpRead, target, err)
		}
		return dns.RecordState{
			Value:    addr,
			TTL:      aws.ToInt64(rrs.TTL),
			Exists:   true,
			Multiple: len(rrs.ResourceRecords) > 1,
		}, nil
	}
	return dns.RecordState{}, nil
}

// Apply upserts the record set in a single change batch.
func (p *Provider) Apply(ctx context.Context, target dns.RecordTarget, value netip.Addr) (dns.ChangeHandle, error) {
	p.log.Info("updating record", "record", target.Name, "type", target.Type, "zone", target.ZoneID, "value", value.String())

	now := p.now().UTC()
	in := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(target.ZoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("Updated by auto-dns at " + now.Format(time.RFC3339)),
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(fqdn(target.Name)),
					Type:            types.RRType(target.Type),
					TTL:             aws.Int64(target.TTL),
					ResourceRecords: []types.ResourceRecord{{Value: aws.String(value.String())}},
				},
			}},
		},
	}

	var out *route53.ChangeResourceRecordSetsOutput
	err := retry.OnError(p.backoff, retriable, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		out, err = p.client.ChangeResourceRecordSets(ctx, in)
		if retriable(err) {
			p.log.V(1).Info("change rejected, retrying", "record", target.Name, "error", err.Error())
		}
		return err
	})
	if err != nil {
		return dns.ChangeHandle{}, p.storeError(dns.OpWrite, target, err)
	}

	change := dns.ChangeHandle{Target: target, Value: value, SubmittedAt: now}
	if info := out.ChangeInfo; info != nil {
		change.ID = aws.ToString(info.Id)
		if info.SubmittedAt != nil {
			change.SubmittedAt = *info.SubmittedAt
		}
		p.log.V(1).Info("change submitted", "record", target.Name, "change", change.ID, "status", string(info.Status))
	}
	return change, nil
}

// AwaitPropagation polls GetChange until Route53 reports the change INSYNC.
func (p *Provider) AwaitPropagation(ctx context.Context, change dns.ChangeHandle, timeout time.Duration) error {
	if change.ID == "" {
		return nil
	}
	err := wait.PollUntilContextTimeout(ctx, p.poll, timeout, true, func(ctx context.Context) (bool, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return false, err
		}
		out, err := p.client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(change.ID)})
		if err != nil {
			if retriable(err) {
				return false, nil
			}
			return false, err
		}
		if out.ChangeInfo == nil {
			return false, nil
		}
		p.log.V(1).Info("change status", "change", change.ID, "status", string(out.ChangeInfo.Status))
		return out.ChangeInfo.Status == types.ChangeStatusInsync, nil
	})
	switch {
	case err == nil:
		return nil
	case wait.Interrupted(err):
		return p.storeError(dns.OpPropagation, change.Target, fmt.Errorf("%w: change %s", dns.ErrPropagationTimeout, change.ID))
	default:
		return p.storeError(dns.OpPropagation, change.Target, err)
	}
}

func (p *Provider) storeError(op dns.Op, target dns.RecordTarget, err error) error {
	return dns.NewStoreError(providerName, op, target, classify(err), err)
}

func retriable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PriorRequestNotComplete", "Throttling", "ThrottlingException":
		return true
	}
	return false
}

func classify(err error) dns.ErrorClass {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return dns.Classify(err)
	}
	switch code := apiErr.ErrorCode(); {
	case code == "AccessDenied", code == "AccessDeniedException",
		code == "InvalidClientTokenId", code == "SignatureDoesNotMatch",
		code == "UnrecognizedClientException", code == "ExpiredToken":
		return dns.ClassAuth
	case code == "NoSuchHostedZone":
		return dns.ClassNotFound
	case retriable(err):
		return dns.ClassThrottled
	case code == "InvalidChangeBatch", code == "InvalidInput", strings.HasPrefix(code, "Invalid"):
		return dns.ClassInvalid
	}
	return dns.ClassProvider
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
