package telemetry

import "sync/atomic"

// Metrics tracks delivery statistics.
type Metrics struct {
	Reported atomic.Int64
	Sent     atomic.Int64
	Failed   atomic.Int64
	Rejected atomic.Int64
	Dropped  atomic.Int64
	Shed     atomic.Int64
	Retries  atomic.Int64
}

// MetricsSnapshot is a point-in-time view of delivery metrics.
type MetricsSnapshot struct {
	Reported int64 `json:"reported"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
	Dropped  int64 `json:"dropped"`
	Shed     int64 `json:"shed"`
	Retries  int64 `json:"retries"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Reported: m.Reported.Load(),
		Sent:     m.Sent.Load(),
		Failed:   m.Failed.Load(),
		Rejected: m.Rejected.Load(),
		Dropped:  m.Dropped.Load(),
		Shed:     m.Shed.Load(),
		Retries:  m.Retries.Load(),
	}
}

// DispatcherStats is the admin API view of the dispatcher.
type DispatcherStats struct {
	Enabled   bool            `json:"enabled"`
	Validate  bool            `json:"validate"`
	Redacted  bool            `json:"redacted"`
	QueueSize int             `json:"queue_size"`
	QueueUsed int             `json:"queue_used"`
	Breaker   string          `json:"breaker,omitempty"`
	Metrics   MetricsSnapshot `json:"metrics"`
}
