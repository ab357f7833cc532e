package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// NewResolver returns a resolver that sends upstream lookups to nameservers
// in rotation, or nil (the system resolver) when none are given. Entries
// without a port use 53.
func NewResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := make([]string, len(nameservers))
	for i, ns := range nameservers {
		servers[i] = nameserverAddr(ns)
	}

	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			ns := servers[(next.Add(1)-1)%uint64(len(servers))]
			d := net.Dialer{Timeout: timeout}
			// The Go resolver retries over TCP for truncated answers.
			return d.DialContext(ctx, network, ns)
		},
	}
}

func nameserverAddr(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	return net.JoinHostPort(ns, "53")
}
