// Package router maps inbound Host headers to upstream authorities.
package router

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Directive rewrites hosts ending in Source so they end in Target instead.
// Both are stored lowercased without a trailing dot.
type Directive struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ParseDirectives parses "source=target" entries.
func ParseDirectives(entries []string) ([]Directive, error) {
	out := make([]Directive, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		src, dst, ok := strings.Cut(e, "=")
		src, dst = normalize(src), normalize(dst)
		if !ok || src == "" || dst == "" {
			return nil, fmt.Errorf("router: directive %q must have the form source=target", e)
		}
		if !validHost(src) || !validHost(dst) {
			return nil, fmt.Errorf("router: directive %q contains an invalid hostname", e)
		}
		if seen[src] {
			return nil, fmt.Errorf("router: duplicate directive for %q", src)
		}
		seen[src] = true
		out = append(out, Directive{Source: src, Target: dst})
	}
	return out, nil
}

// Resolution is the routing decision for one Host header.
type Resolution struct {
	// Upstream is the authority (host[:port]) to dial.
	Upstream string
	// Host is the host the request is presented as upstream and the
	// transformation domain consulted by the rule engine.
	Host string
	// Pinned is set when the process-wide override chose Upstream.
	Pinned bool
	// Rewritten is set when a directive matched.
	Rewritten bool
}

// Router resolves hosts. It is safe for concurrent use.
type Router struct {
	override   string
	directives []Directive // longest source first
	memo       *lru.Cache[string, Resolution]

	lookups atomic.Int64
	memoHit atomic.Int64
}

// New creates a router. A non-empty override pins every request to that
// authority. cacheSize <= 0 disables memoization.
func New(override string, directives []Directive, cacheSize int) (*Router, error) {
	sorted := append([]Directive(nil), directives...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Source) > len(sorted[j].Source)
	})

	r := &Router{
		override:   strings.TrimSpace(override),
		directives: sorted,
	}
	if cacheSize > 0 && r.override == "" {
		memo, err := lru.New[string, Resolution](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		r.memo = memo
	}
	return r, nil
}

// Resolve returns the routing decision for hostHeader. Unknown or malformed
// hosts pass through unchanged.
func (r *Router) Resolve(hostHeader string) Resolution {
	r.lookups.Add(1)
	if r.override != "" {
		return Resolution{Upstream: r.override, Host: hostHeader, Pinned: true}
	}
	if r.memo != nil {
		if res, ok := r.memo.Get(hostHeader); ok {
			r.memoHit.Add(1)
			return res
		}
	}
	res := r.resolve(hostHeader)
	if r.memo != nil {
		r.memo.Add(hostHeader, res)
	}
	return res
}

func (r *Router) resolve(hostHeader string) Resolution {
	passthrough := Resolution{Upstream: hostHeader, Host: hostHeader}

	host, port, ok := splitHostPort(hostHeader)
	if !ok {
		return passthrough
	}
	name := normalize(host)
	if !validHost(name) {
		return passthrough
	}

	for _, d := range r.directives {
		var rewritten string
		switch {
		case name == d.Source:
			rewritten = d.Target
		case strings.HasSuffix(name, "."+d.Source):
			rewritten = name[:len(name)-len(d.Source)] + d.Target
		default:
			continue
		}
		if port != "" {
			rewritten = net.JoinHostPort(rewritten, port)
		}
		return Resolution{Upstream: rewritten, Host: rewritten, Rewritten: true}
	}
	return passthrough
}

// Directives returns the directives in match order.
func (r *Router) Directives() []Directive {
	return append([]Directive(nil), r.directives...)
}

// Override returns the pinned authority, if any.
func (r *Router) Override() string {
	return r.override
}

// Stats holds resolution counters.
type Stats struct {
	Lookups    int64  `json:"lookups"`
	MemoHits   int64  `json:"memo_hits"`
	MemoSize   int    `json:"memo_size"`
	Directives int    `json:"directives"`
	Override   string `json:"override,omitempty"`

	Rewrites []Directive `json:"rewrites,omitempty"`
}

func (r *Router) Stats() Stats {
	s := Stats{
		Lookups:    r.lookups.Load(),
		MemoHits:   r.memoHit.Load(),
		Directives: len(r.directives),
		Override:   r.override,
		Rewrites:   r.Directives(),
	}
	if r.memo != nil {
		s.MemoSize = r.memo.Len()
	}
	return s
}

// splitHostPort separates an optional port. Bracketed IPv6 literals are
// accepted; a bare IPv6 literal is returned whole.
func splitHostPort(s string) (host, port string, ok bool) {
	if s == "" {
		return "", "", false
	}
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
				return s[1 : len(s)-1], "", true
			}
			return "", "", false
		}
		return h, p, true
	}
	return s, "", true
}

func normalize(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// validHost accepts LDH labels (plus underscore) separated by dots, and IP
// literals.
func validHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}
