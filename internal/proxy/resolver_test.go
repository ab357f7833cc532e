package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/edgeproxy/config"
)

func TestNewResolverNil(t *testing.T) {
	if r := NewResolver(nil, 0); r != nil {
		t.Fatal("expected nil resolver for empty nameservers")
	}
}

func TestNameserverAddr(t *testing.T) {
	tests := []struct{ in, want string }{
		{"10.0.0.53", "10.0.0.53:53"},
		{"10.0.0.53:5353", "10.0.0.53:5353"},
		{"2001:db8::53", "[2001:db8::53]:53"},
		{"[2001:db8::53]:53", "[2001:db8::53]:53"},
	}
	for _, tt := range tests {
		if got := nameserverAddr(tt.in); got != tt.want {
			t.Errorf("nameserverAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeDNS answers every UDP query with a server failure, counting queries.
func fakeDNS(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	var queries atomic.Int32
	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			queries.Add(1)
			if n < 12 {
				continue
			}
			resp := append([]byte(nil), buf[:n]...)
			resp[2] |= 0x80 // QR
			resp[3] = (resp[3] & 0xf0) | 2
			pc.WriteTo(resp, addr)
		}
	}()
	return pc.LocalAddr().String(), &queries
}

func TestResolverUsesConfiguredNameserver(t *testing.T) {
	addr, queries := fakeDNS(t)
	r := NewResolver([]string{addr}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := r.LookupHost(ctx, "upstream.example.invalid"); err == nil {
		t.Fatal("expected lookup failure from SERVFAIL nameserver")
	}
	if queries.Load() == 0 {
		t.Error("configured nameserver was never queried")
	}
}

func TestTransportConfigForResolvers(t *testing.T) {
	tc := TransportConfigFor(config.UpstreamConfig{Resolvers: []string{"10.0.0.53"}})
	if tc.Resolver == nil || !tc.Resolver.PreferGo {
		t.Fatal("expected a custom resolver")
	}
	if tc := TransportConfigFor(config.UpstreamConfig{}); tc.Resolver != nil {
		t.Error("expected the system resolver without nameservers")
	}
}
