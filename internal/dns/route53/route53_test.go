package route53

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

// fakeAPI is an in-memory Route53 hosted zone.
type fakeAPI struct {
	mu sync.Mutex

	sets       []types.ResourceRecordSet
	changes    []*route53.ChangeResourceRecordSetsInput
	changeErrs []error // returned in order by ChangeResourceRecordSets
	listErr    error
	statuses   []types.ChangeStatus // returned in order by GetChange
	getCalls   int
}

func (f *fakeAPI) ListResourceRecordSets(_ context.Context, in *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	// Mimic lexicographic listing: return the first set at or after the start name.
	for _, s := range f.sets {
		if aws.ToString(s.Name) >= aws.ToString(in.StartRecordName) {
			return &route53.ListResourceRecordSetsOutput{ResourceRecordSets: []types.ResourceRecordSet{s}}, nil
		}
	}
	return &route53.ListResourceRecordSetsOutput{}, nil
}

func (f *fakeAPI) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changeErrs) > 0 {
		err := f.changeErrs[0]
		f.changeErrs = f.changeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.changes = append(f.changes, in)
	submitted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &route53.ChangeResourceRecordSetsOutput{ChangeInfo: &types.ChangeInfo{
		Id:          aws.String("/change/C123"),
		Status:      types.ChangeStatusPending,
		SubmittedAt: &submitted,
	}}, nil
}

func (f *fakeAPI) GetChange(_ context.Context, in *route53.GetChangeInput, _ ...func(*route53.Options)) (*route53.GetChangeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	status := types.ChangeStatusPending
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return &route53.GetChangeOutput{ChangeInfo: &types.ChangeInfo{Id: in.Id, Status: status}}, nil
}

func newTestProvider(api *fakeAPI) *Provider {
	p := newWithClient(logr.Discard(), api)
	p.limiter = rate.NewLimiter(rate.Inf, 1)
	p.backoff = wait.Backoff{Steps: 3, Duration: time.Millisecond}
	p.poll = 5 * time.Millisecond
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC) }
	return p
}

var homeA = dns.RecordTarget{Name: "home.example.com", ZoneID: "Z123", TTL: 300, Type: "A"}

func recordSet(name string, rrType types.RRType, value string) types.ResourceRecordSet {
	return types.ResourceRecordSet{
		Name:            aws.String(name),
		Type:            rrType,
		TTL:             aws.Int64(60),
		ResourceRecords: []types.ResourceRecord{{Value: aws.String(value)}},
	}
}

func TestCurrentValue(t *testing.T) {
	tests := []struct {
		name    string
		sets    []types.ResourceRecordSet
		want    dns.RecordState
		wantErr bool
	}{
		{
			name: "existing record",
			sets: []types.ResourceRecordSet{recordSet("home.example.com.", types.RRTypeA, "1.2.3.4")},
			want: dns.RecordState{Value: netip.MustParseAddr("1.2.3.4"), TTL: 60, Exists: true},
		},
		{
			name: "next record in zone is not a match",
			sets: []types.ResourceRecordSet{recordSet("www.example.com.", types.RRTypeA, "1.2.3.4")},
			want: dns.RecordState{},
		},
		{
			name: "same name different type",
			sets: []types.ResourceRecordSet{recordSet("home.example.com.", types.RRTypeAaaa, "2001:db8::1")},
			want: dns.RecordState{},
		},
		{
			name:    "garbage value",
			sets:    []types.ResourceRecordSet{recordSet("home.example.com.", types.RRTypeA, "not-an-ip")},
			wantErr: true,
		},
		{
			name:    "alias record",
			sets:    []types.ResourceRecordSet{{Name: aws.String("home.example.com."), Type: types.RRTypeA}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(&fakeAPI{sets: tt.sets})
			got, err := p.CurrentValue(context.Background(), homeA)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CurrentValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var se *dns.StoreError
				if !errors.As(err, &se) || se.Class != dns.ClassInvalid {
					t.Errorf("expected invalid StoreError, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("CurrentValue() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCurrentValueWildcard(t *testing.T) {
	wildcard := dns.RecordTarget{Name: "*.example.com", ZoneID: "Z123", TTL: 300, Type: "A"}
	p := newTestProvider(&fakeAPI{sets: []types.ResourceRecordSet{
		recordSet(`\052.example.com.`, types.RRTypeA, "5.6.7.8"),
	}})

	got, err := p.CurrentValue(context.Background(), wildcard)
	if err != nil {
		t.Fatalf("CurrentValue() error: %v", err)
	}
	if !got.Exists || !got.Matches(netip.MustParseAddr("5.6.7.8")) {
		t.Errorf("expected the escaped wildcard to be found, got %+v", got)
	}
}

func TestCurrentValueMultipleValues(t *testing.T) {
	set := recordSet("home.example.com.", types.RRTypeA, "5.6.7.8")
	set.ResourceRecords = append(set.ResourceRecords, types.ResourceRecord{Value: aws.String("1.1.1.1")})
	p := newTestProvider(&fakeAPI{sets: []types.ResourceRecordSet{set}})

	got, err := p.CurrentValue(context.Background(), homeA)
	if err != nil {
		t.Fatalf("CurrentValue() error: %v", err)
	}
	if !got.Multiple {
		t.Errorf("expected a multi-value state, got %+v", got)
	}
	if got.Matches(netip.MustParseAddr("5.6.7.8")) {
		t.Error("a record set with two values must not match a single address")
	}
}

func TestCurrentValueClassifiesAPIErrors(t *testing.T) {
	tests := map[string]dns.ErrorClass{
		"AccessDenied":            dns.ClassAuth,
		"NoSuchHostedZone":        dns.ClassNotFound,
		"Throttling":              dns.ClassThrottled,
		"InvalidInput":            dns.ClassInvalid,
		"InternalFailure":         dns.ClassProvider,
		"PriorRequestNotComplete": dns.ClassThrottled,
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			p := newTestProvider(&fakeAPI{listErr: &smithy.GenericAPIError{Code: code, Message: "boom"}})
			_, err := p.CurrentValue(context.Background(), homeA)
			var se *dns.StoreError
			if !errors.As(err, &se) {
				t.Fatalf("expected *dns.StoreError, got %T", err)
			}
			if se.Class != want || se.Op != dns.OpRead || se.Zone != "Z123" {
				t.Errorf("got class=%s op=%s zone=%s", se.Class, se.Op, se.Zone)
			}
		})
	}
}

func TestApplyUpserts(t *testing.T) {
	api := &fakeAPI{}
	p := newTestProvider(api)

	change, err := p.Apply(context.Background(), homeA, netip.MustParseAddr("5.6.7.8"))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if change.ID != "/change/C123" {
		t.Errorf("expected change id, got %q", change.ID)
	}
	if len(api.changes) != 1 {
		t.Fatalf("expected 1 change batch, got %d", len(api.changes))
	}
	batch := api.changes[0].ChangeBatch
	if got := aws.ToString(batch.Comment); got != "Updated by auto-dns at 2026-01-02T03:04:00Z" {
		t.Errorf("unexpected comment %q", got)
	}
	if len(batch.Changes) != 1 {
		t.Fatalf("expected a single change, got %d", len(batch.Changes))
	}
	c := batch.Changes[0]
	if c.Action != types.ChangeActionUpsert {
		t.Errorf("expected UPSERT, got %s", c.Action)
	}
	rrs := c.ResourceRecordSet
	if aws.ToString(rrs.Name) != "home.example.com." || rrs.Type != types.RRTypeA || aws.ToInt64(rrs.TTL) != 300 {
		t.Errorf("unexpected record set %s %s %d", aws.ToString(rrs.Name), rrs.Type, aws.ToInt64(rrs.TTL))
	}
	if len(rrs.ResourceRecords) != 1 || aws.ToString(rrs.ResourceRecords[0].Value) != "5.6.7.8" {
		t.Errorf("unexpected values %+v", rrs.ResourceRecords)
	}
}

func TestApplyRetriesThrottling(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "PriorRequestNotComplete"}
	api := &fakeAPI{changeErrs: []error{throttled, throttled}}
	p := newTestProvider(api)

	if _, err := p.Apply(context.Background(), homeA, netip.MustParseAddr("5.6.7.8")); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(api.changes) != 1 {
		t.Errorf("expected the third attempt to succeed, got %d changes", len(api.changes))
	}
}

func TestApplyDoesNotRetryAuthErrors(t *testing.T) {
	api := &fakeAPI{changeErrs: []error{&smithy.GenericAPIError{Code: "AccessDenied"}}}
	p := newTestProvider(api)

	_, err := p.Apply(context.Background(), homeA, netip.MustParseAddr("5.6.7.8"))
	var se *dns.StoreError
	if !errors.As(err, &se) || se.Class != dns.ClassAuth || se.Op != dns.OpWrite {
		t.Fatalf("expected auth write error, got %v", err)
	}
	if !strings.Contains(err.Error(), "home.example.com") {
		t.Errorf("error should name the record: %v", err)
	}
}

func TestAwaitPropagation(t *testing.T) {
	api := &fakeAPI{statuses: []types.ChangeStatus{types.ChangeStatusPending, types.ChangeStatusInsync}}
	p := newTestProvider(api)

	err := p.AwaitPropagation(context.Background(), dns.ChangeHandle{ID: "/change/C123", Target: homeA}, time.Second)
	if err != nil {
		t.Fatalf("AwaitPropagation() error: %v", err)
	}
	if api.getCalls != 2 {
		t.Errorf("expected 2 GetChange calls, got %d", api.getCalls)
	}
}

func TestAwaitPropagationTimeout(t *testing.T) {
	p := newTestProvider(&fakeAPI{})

	err := p.AwaitPropagation(context.Background(), dns.ChangeHandle{ID: "/change/C123", Target: homeA}, 30*time.Millisecond)
	if !errors.Is(err, dns.ErrPropagationTimeout) {
		t.Fatalf("expected ErrPropagationTimeout, got %v", err)
	}
	var se *dns.StoreError
	if !errors.As(err, &se) || se.Class != dns.ClassTimeout || se.Op != dns.OpPropagation {
		t.Errorf("unexpected store error %+v", se)
	}
}

func TestNewRequiresBothKeys(t *testing.T) {
	_, err := New(context.Background(), logr.Discard(), map[string]string{"access_key_id": "AKIA"})
	if err == nil {
		t.Fatal("expected error for a key id without secret")
	}
}
