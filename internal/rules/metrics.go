package rules

import (
	"sync"
	"sync/atomic"
)

// Metrics tracks rule evaluation statistics.
type Metrics struct {
	Evaluated atomic.Int64
	Matched   atomic.Int64

	byDomain sync.Map // domain → *atomic.Int64
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) hit(domain string) {
	c, ok := m.byDomain.Load(domain)
	if !ok {
		c, _ = m.byDomain.LoadOrStore(domain, &atomic.Int64{})
	}
	c.(*atomic.Int64).Add(1)
}

// MetricsSnapshot is a point-in-time copy of Metrics for JSON serialization.
type MetricsSnapshot struct {
	Evaluated int64            `json:"evaluated"`
	Matched   int64            `json:"matched"`
	ByDomain  map[string]int64 `json:"by_domain,omitempty"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Evaluated: m.Evaluated.Load(),
		Matched:   m.Matched.Load(),
		ByDomain:  make(map[string]int64),
	}
	m.byDomain.Range(func(k, v any) bool {
		snap.ByDomain[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return snap
}
