package dnsresolve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeNameserver answers every A query for "example.test." with
// 203.0.113.7 and a short TTL, counting how many queries it actually saw so
// the cache/singleflight test can assert a single upstream round trip.
func startFakeNameserver(t *testing.T, queries *int) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc("example.test.", func(w dns.ResponseWriter, r *dns.Msg) {
		*queries++
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR("example.test. 2 IN A 203.0.113.7")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolverCachesAnswer(t *testing.T) {
	var queries int
	addr := startFakeNameserver(t, &queries)

	r, err := New(Config{Nameservers: []string{addr}, QueryTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ip, err := r.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Fatalf("unexpected ip: %s", ip)
	}

	ip2, err := r.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if ip2 != ip {
		t.Fatalf("expected cached answer to match")
	}
	if queries != 1 {
		t.Fatalf("expected exactly 1 upstream query, got %d", queries)
	}
}

func TestResolverNoNameservers(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "example.test"); err == nil {
		t.Fatalf("expected error with no nameservers configured")
	}
}
