// Package mock writes rule-engine responses without reaching an upstream.
package mock

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/wudi/edgeproxy/internal/rules"
)

// Write renders resp verbatim. Content-Type is set first so a rule header of
// the same name overrides it.
func Write(w http.ResponseWriter, resp *rules.Response) {
	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	if bodyAllowed(resp.StatusCode) {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// Responder serves synthesized responses and counts them per rule.
type Responder struct {
	served atomic.Int64
	byRule sync.Map // rule ID → *atomic.Int64
}

// NewResponder creates a Responder.
func NewResponder() *Responder {
	return &Responder{}
}

// Serve writes resp and records it.
func (m *Responder) Serve(w http.ResponseWriter, resp *rules.Response) {
	m.served.Add(1)
	c, ok := m.byRule.Load(resp.RuleID)
	if !ok {
		c, _ = m.byRule.LoadOrStore(resp.RuleID, &atomic.Int64{})
	}
	c.(*atomic.Int64).Add(1)
	Write(w, resp)
}

// Served returns the number of mock responses served.
func (m *Responder) Served() int64 {
	return m.served.Load()
}

// Stats returns per-rule served counts.
func (m *Responder) Stats() map[string]int64 {
	stats := make(map[string]int64)
	m.byRule.Range(func(k, v any) bool {
		stats[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return stats
}
