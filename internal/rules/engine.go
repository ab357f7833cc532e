package rules

import (
	"net"
	"sort"
	"strings"
)

// Response is a synthesized response produced by a matching rule. It shares
// the rule's byte slices and header map; callers must not modify them.
type Response struct {
	RuleID      string
	StatusCode  int
	Body        []byte
	ContentType string
	Headers     map[string]string
}

// RuleSet is the ordered rule list for one transformation domain.
type RuleSet struct {
	Domain string
	Rules  []*Rule
}

// Engine answers requests from per-domain rule sets. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	sets    map[string]*RuleSet
	metrics *Metrics
}

// NewEngine builds an engine from rule sets. A later set for the same domain
// replaces an earlier one.
func NewEngine(sets ...*RuleSet) *Engine {
	e := &Engine{
		sets:    make(map[string]*RuleSet, len(sets)),
		metrics: NewMetrics(),
	}
	for _, s := range sets {
		e.sets[normalizeDomain(s.Domain)] = s
	}
	return e
}

// TryShortCircuit returns the response of the first rule for host matching
// path and method. Hosts without a rule set never match.
func (e *Engine) TryShortCircuit(host, path, method string) (*Response, bool) {
	if e == nil || len(e.sets) == 0 {
		return nil, false
	}
	set, ok := e.sets[normalizeDomain(host)]
	if !ok {
		return nil, false
	}
	e.metrics.Evaluated.Add(1)
	for _, r := range set.Rules {
		if !r.Matches(path, method) {
			continue
		}
		e.metrics.Matched.Add(1)
		e.metrics.hit(set.Domain)
		return &Response{
			RuleID:      r.ID,
			StatusCode:  r.StatusCode,
			Body:        r.Body,
			ContentType: r.ContentType,
			Headers:     r.Headers,
		}, true
	}
	return nil, false
}

// Domains returns the configured transformation domains, sorted.
func (e *Engine) Domains() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.sets))
	for d := range e.sets {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// RuleCount returns the total number of loaded rules.
func (e *Engine) RuleCount() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, s := range e.sets {
		n += len(s.Rules)
	}
	return n
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func normalizeDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
