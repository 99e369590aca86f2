package lookup

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	mdns "github.com/miekg/dns"

	"github.com/yuriy-kovalchuk/auto-dns/internal/dns"
)

// fakeNameserver answers A queries from a mutable map and NS queries from ns.
type fakeNameserver struct {
	mu      sync.Mutex
	answers map[string]string
	ns      map[string][]string
	queries int
}

func (f *fakeNameserver) set(name, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[name] = ip
}

func (f *fakeNameserver) ServeDNS(w mdns.ResponseWriter, r *mdns.Msg) {
	q := r.Question[0]
	f.mu.Lock()
	f.queries++
	ip, ok := f.answers[q.Name]
	hosts, isZone := f.ns[q.Name]
	f.mu.Unlock()

	m := new(mdns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	if q.Qtype == mdns.TypeNS {
		if !isZone {
			m.Rcode = mdns.RcodeNameError
		}
		for _, h := range hosts {
			rr, _ := mdns.NewRR(q.Name + " 3600 IN NS " + h)
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
		return
	}
	if ok {
		rr, _ := mdns.NewRR(r.Question[0].Name + " 60 IN A " + ip)
		m.Answer = append(m.Answer, rr)
	} else {
		m.Rcode = mdns.RcodeNameError
	}
	w.WriteMsg(m)
}

func startNameserver(t *testing.T, f *fakeNameserver) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: f, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func change(name, ip string) dns.ChangeHandle {
	return dns.ChangeHandle{
		Target: dns.RecordTarget{Name: name, Type: "A"},
		Value:  netip.MustParseAddr(ip),
	}
}

func TestWaitSucceedsWhenServed(t *testing.T) {
	ns := &fakeNameserver{answers: map[string]string{"home.example.com.": "5.6.7.8"}}
	addr := startNameserver(t, ns)

	v := NewVerifier(testr.New(t), []string{addr})
	v.Interval = 10 * time.Millisecond

	if err := v.Wait(context.Background(), change("home.example.com", "5.6.7.8"), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitPollsUntilVisible(t *testing.T) {
	ns := &fakeNameserver{answers: map[string]string{"home.example.com.": "1.2.3.4"}}
	addr := startNameserver(t, ns)

	v := NewVerifier(testr.New(t), []string{addr})
	v.Interval = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		ns.set("home.example.com.", "5.6.7.8")
	}()

	if err := v.Wait(context.Background(), change("home.example.com", "5.6.7.8"), 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.queries < 2 {
		t.Errorf("expected repeated queries, got %d", ns.queries)
	}
}

func TestWaitTimesOut(t *testing.T) {
	ns := &fakeNameserver{answers: map[string]string{"home.example.com.": "1.2.3.4"}}
	addr := startNameserver(t, ns)

	v := NewVerifier(testr.New(t), []string{addr})
	v.Interval = 10 * time.Millisecond

	err := v.Wait(context.Background(), change("home.example.com", "5.6.7.8"), 80*time.Millisecond)
	if !errors.Is(err, dns.ErrPropagationTimeout) {
		t.Fatalf("expected ErrPropagationTimeout, got %v", err)
	}
}

func TestWaitUsesDiscoveredServers(t *testing.T) {
	ns := &fakeNameserver{answers: map[string]string{"home.example.com.": "5.6.7.8"}}
	addr := startNameserver(t, ns)

	v := NewVerifier(testr.New(t), nil)
	v.Interval = 10 * time.Millisecond
	v.discover = func(context.Context, string) ([]string, error) { return []string{addr}, nil }

	if err := v.Wait(context.Background(), change("home.example.com", "5.6.7.8"), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestZoneNameservers(t *testing.T) {
	resolver := &fakeNameserver{ns: map[string][]string{
		"example.com.": {"ns1.example.net.", "ns2.example.net."},
		"empty.com.":   {},
	}}
	addr := startNameserver(t, resolver)

	v := NewVerifier(testr.New(t), nil)
	v.Resolvers = []string{addr}

	got, err := v.zoneNameservers(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"ns1.example.net:53", "ns2.example.net:53"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := v.zoneNameservers(context.Background(), "empty.com"); err == nil {
		t.Error("expected an error for a zone without NS records")
	}
	if _, err := v.zoneNameservers(context.Background(), "missing.com"); err == nil {
		t.Error("expected an error for an unknown zone")
	}
}

func TestZoneNameserversFallsBackToNextResolver(t *testing.T) {
	resolver := &fakeNameserver{ns: map[string][]string{"example.com.": {"ns1.example.net."}}}
	addr := startNameserver(t, resolver)

	// The first resolver knows no zones and answers NXDOMAIN.
	empty := startNameserver(t, &fakeNameserver{})
	v := NewVerifier(testr.New(t), nil)
	v.Resolvers = []string{empty, addr}

	got, err := v.zoneNameservers(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "ns1.example.net:53" {
		t.Errorf("unexpected nameservers %v", got)
	}
}

func TestWithPort(t *testing.T) {
	tests := map[string]string{
		"1.1.1.1":         "1.1.1.1:53",
		"1.1.1.1:5353":    "1.1.1.1:5353",
		"ns1.example.com": "ns1.example.com:53",
		"2001:db8::1":     "[2001:db8::1]:53",
	}
	for in, want := range tests {
		if got := withPort(in); got != want {
			t.Errorf("withPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromSettings(t *testing.T) {
	v := FromSettings(testr.New(t), map[string]string{"nameservers": " 1.1.1.1, ns1.example.com:5353,,"})
	want := []string{"1.1.1.1:53", "ns1.example.com:5353"}
	if len(v.Nameservers) != len(want) {
		t.Fatalf("got %v, want %v", v.Nameservers, want)
	}
	for i := range want {
		if v.Nameservers[i] != want[i] {
			t.Errorf("nameserver %d = %q, want %q", i, v.Nameservers[i], want[i])
		}
	}
	if empty := FromSettings(testr.New(t), map[string]string{}); len(empty.Nameservers) != 0 {
		t.Errorf("expected discovery mode, got %v", empty.Nameservers)
	}
}
