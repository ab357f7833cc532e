// Package ipfilter implements origin admission: deciding from the client
// address alone whether a request or connection may proceed.
package ipfilter

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/wudi/edgeproxy/config"
	"github.com/wudi/edgeproxy/internal/cidr"
	"github.com/wudi/edgeproxy/internal/errors"
)

// Decision is the outcome of origin admission.
type Decision uint8

const (
	Admit Decision = iota
	Reject
	Abort
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Reject:
		return "reject"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Policy is the admission configuration. It is read-only once built.
type Policy struct {
	IPv4             []cidr.Range
	IPv6             []cidr.Range
	HateLAN          bool
	AbortOnViolation bool
	DisableIPv6      bool
}

// NewPolicy compiles the access configuration. Open (prefix 0) ranges are
// returned so the caller can warn about them.
func NewPolicy(cfg config.AccessConfig) (Policy, []cidr.Range, error) {
	v4, open4, err := cidr.ParseList(strings.Join(cfg.AllowedIPv4, ","))
	if err != nil {
		return Policy{}, nil, errors.Config("ALLOWED_IPV4_CIDRS", err)
	}
	v6, open6, err := cidr.ParseList(strings.Join(cfg.AllowedIPv6, ","))
	if err != nil {
		return Policy{}, nil, errors.Config("ALLOWED_IPV6_CIDRS", err)
	}
	if len(v4.V6) > 0 || len(v6.V4) > 0 {
		return Policy{}, nil, errors.Configf("access", "allow-list contains a range of the wrong address family")
	}
	return Policy{
		IPv4:             v4.V4,
		IPv6:             v6.V6,
		HateLAN:          cfg.HateLAN,
		AbortOnViolation: cfg.AbortOnViolation,
		DisableIPv6:      cfg.DisableIPv6,
	}, append(open4, open6...), nil
}

// Empty reports whether no allow-list range is configured, in which case
// every public address is a violation.
func (p Policy) Empty() bool {
	return len(p.IPv4) == 0 && len(p.IPv6) == 0
}

// Gate evaluates client addresses against a Policy.
type Gate struct {
	policy Policy

	admitted atomic.Int64
	rejected atomic.Int64
	aborted  atomic.Int64
}

// New creates a gate for policy.
func New(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Evaluate decides admission for a textual client address. The address may
// carry a port, brackets or a zone. Unparseable input is a violation.
func (g *Gate) Evaluate(clientAddress string) Decision {
	addr, err := cidr.ParseAddr(clientAddress)
	if err != nil {
		return g.record(g.violation())
	}
	return g.EvaluateAddr(addr)
}

// EvaluateAddr decides admission for a parsed address. IPv4-mapped IPv6
// addresses are judged as the IPv4 address they carry.
func (g *Gate) EvaluateAddr(addr netip.Addr) Decision {
	if !addr.IsValid() {
		return g.record(g.violation())
	}
	addr = addr.Unmap()

	if addr.Is6() && g.policy.DisableIPv6 {
		return g.record(Reject)
	}
	if !g.policy.HateLAN && isLAN(addr) {
		return g.record(Admit)
	}

	allowed := g.policy.IPv4
	if addr.Is6() {
		allowed = g.policy.IPv6
	}
	if cidr.Matches(addr, allowed) {
		return g.record(Admit)
	}
	return g.record(g.violation())
}

func (g *Gate) violation() Decision {
	if g.policy.AbortOnViolation {
		return Abort
	}
	return Reject
}

func (g *Gate) record(d Decision) Decision {
	switch d {
	case Admit:
		g.admitted.Add(1)
	case Reject:
		g.rejected.Add(1)
	case Abort:
		g.aborted.Add(1)
	}
	return d
}

// isLAN reports private, loopback and link-local unicast addresses.
func isLAN(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// Stats holds decision counters.
type Stats struct {
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
	Aborted  int64 `json:"aborted"`
	IPv4     int   `json:"ipv4_ranges"`
	IPv6     int   `json:"ipv6_ranges"`
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Admitted: g.admitted.Load(),
		Rejected: g.rejected.Load(),
		Aborted:  g.aborted.Load(),
		IPv4:     len(g.policy.IPv4),
		IPv6:     len(g.policy.IPv6),
	}
}

// RejectRequest writes the 403 returned for a rejected origin.
func RejectRequest(w http.ResponseWriter, requestID string) {
	errors.ErrForbidden.WithDetails("IP address not allowed").WithRequestID(requestID).WriteJSON(w)
}

// AbortRequest terminates the handler without a response. net/http closes
// the connection (HTTP/1) or resets the stream (HTTP/2).
func AbortRequest() {
	panic(http.ErrAbortHandler)
}

// RejectFunc is notified of every connection closed at accept time.
type RejectFunc func(remote string, d Decision)

// Listener closes connections from violating peers before any bytes are
// read, including the TLS handshake.
type Listener struct {
	net.Listener
	gate     *Gate
	onReject RejectFunc
}

// NewListener wraps ln with admission checks.
func NewListener(ln net.Listener, gate *Gate, onReject RejectFunc) *Listener {
	return &Listener{Listener: ln, gate: gate, onReject: onReject}
}

// Accept returns the next admitted connection.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := conn.RemoteAddr().String()
		d := l.gate.Evaluate(remote)
		if d == Admit {
			return conn, nil
		}
		if tc, ok := conn.(*net.TCPConn); ok && d == Abort {
			// RST instead of FIN.
			tc.SetLinger(0)
		}
		conn.Close()
		if l.onReject != nil {
			l.onReject(remote, d)
		}
	}
}
