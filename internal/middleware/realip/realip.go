// Package realip determines the client address that origin admission sees.
package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/wudi/edgeproxy/internal/cidr"
)

type contextKey struct{}

// Extractor resolves the client address, believing forwarding headers only
// when the peer is a trusted proxy.
type Extractor struct {
	trusted []cidr.Range
	headers []string
	maxHops int

	totalRequests atomic.Int64
	extracted     atomic.Int64 // addresses taken from headers rather than RemoteAddr
}

// New builds an Extractor from trusted proxy ranges. With no trusted ranges
// forwarding headers are ignored and RemoteAddr is authoritative.
func New(trusted []string, headers []string, maxHops int) (*Extractor, error) {
	list, _, err := cidr.ParseList(strings.Join(trusted, ","))
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	return &Extractor{
		trusted: append(list.V4, list.V6...),
		headers: headers,
		maxHops: maxHops,
	}, nil
}

// Extract returns the client address for r, without a port.
func (e *Extractor) Extract(r *http.Request) string {
	e.totalRequests.Add(1)

	remote := extractHost(r.RemoteAddr)
	if len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				e.extracted.Add(1)
				return ip
			}
			continue
		}
		if ip := strings.TrimSpace(val); ip != "" {
			e.extracted.Add(1)
			return ip
		}
	}
	return remote
}

// walkXFF walks the chain right to left and returns the first hop that is
// not a trusted proxy.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	hops := 0
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		hops++
		if e.maxHops > 0 && hops > e.maxHops {
			return ip
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

func (e *Extractor) isTrusted(s string) bool {
	addr, err := cidr.ParseAddr(s)
	if err != nil {
		return false
	}
	return cidr.Matches(addr.Unmap(), e.trusted)
}

// Trusting reports whether any trusted proxy range is configured.
func (e *Extractor) Trusting() bool {
	return len(e.trusted) > 0
}

// Middleware stores the extracted client address in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, e.Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the address stored by Middleware, or "".
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// ClientAddress returns the context address when present, else the host part
// of RemoteAddr.
func ClientAddress(r *http.Request) string {
	if ip := FromContext(r.Context()); ip != "" {
		return ip
	}
	return extractHost(r.RemoteAddr)
}

// Stats is a snapshot of extractor counters.
type Stats struct {
	TotalRequests int64    `json:"total_requests"`
	Extracted     int64    `json:"extracted"`
	TrustedCIDRs  int      `json:"trusted_cidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"max_hops"`
}

func (e *Extractor) Stats() Stats {
	return Stats{
		TotalRequests: e.totalRequests.Load(),
		Extracted:     e.extracted.Load(),
		TrustedCIDRs:  len(e.trusted),
		Headers:       e.headers,
		MaxHops:       e.maxHops,
	}
}

func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
