package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/metrics"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/middleware/ipfilter"
	"github.com/wudi/edgeproxy/internal/middleware/mock"
	"github.com/wudi/edgeproxy/internal/middleware/realip"
	"github.com/wudi/edgeproxy/internal/router"
	"github.com/wudi/edgeproxy/internal/rules"
	"github.com/wudi/edgeproxy/internal/telemetry"
)

// statusClientClosed is recorded when the client goes away before the
// upstream answers. Nothing is written to the client.
const statusClientClosed = 499

// Forwarder hands a request to its resolved upstream. On failure it has
// already written the error response.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, res router.Resolution) error
}

// Reporter receives terminal outcomes. Report must not block.
type Reporter interface {
	Report(ev telemetry.Event)
}

// PipelineConfig holds the stages of a Pipeline.
type PipelineConfig struct {
	Gate      *ipfilter.Gate
	Router    *router.Router
	Rules     *rules.Engine
	Responder *mock.Responder
	Forwarder Forwarder
	Telemetry Reporter
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Pipeline decides the fate of each request: origin gate, host resolution,
// rule short-circuit, then upstream handoff.
type Pipeline struct {
	gate      *ipfilter.Gate
	router    *router.Router
	rules     *rules.Engine
	responder *mock.Responder
	forwarder Forwarder
	telemetry Reporter
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a Pipeline. Gate, Router and Forwarder are required.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		gate:      cfg.Gate,
		router:    cfg.Router,
		rules:     cfg.Rules,
		responder: cfg.Responder,
		forwarder: cfg.Forwarder,
		telemetry: cfg.Telemetry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if p.responder == nil {
		p.responder = mock.NewResponder()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	ctx := r.Context()
	client := realip.ClientAddress(r)
	info := middleware.InfoFromContext(ctx)
	if info == nil {
		info = &middleware.RequestInfo{}
	}

	ev := telemetry.Event{
		ClientAddress: client,
		Host:          r.Host,
		Path:          r.URL.Path,
		Method:        r.Method,
		RequestID:     middleware.RequestIDFromContext(ctx),
		Timestamp:     start,
	}

	decision := p.gate.Evaluate(client)
	p.metrics.RecordOrigin(decision.String())
	ev.Gate = decision.String()
	info.Gate = ev.Gate

	switch decision {
	case ipfilter.Reject:
		ev.Outcome = telemetry.OutcomeBlocked
		ev.StatusCode = http.StatusForbidden
		p.finish(info, ev, start)
		ipfilter.RejectRequest(w, ev.RequestID)
		return
	case ipfilter.Abort:
		ev.Outcome = telemetry.OutcomeBlocked
		p.finish(info, ev, start)
		p.logger.Debug("Origin aborted",
			zap.String("client", client),
			zap.String("request_id", ev.RequestID),
		)
		ipfilter.AbortRequest()
	}

	res := p.router.Resolve(r.Host)
	ev.Host = res.Host
	info.Upstream = res.Upstream

	if resp, ok := p.rules.TryShortCircuit(res.Host, r.URL.Path, r.Method); ok {
		p.responder.Serve(w, resp)
		p.metrics.RecordRuleHit(resp.RuleID)
		ev.Outcome = telemetry.OutcomeMocked
		ev.RuleID = resp.RuleID
		ev.StatusCode = resp.StatusCode
		info.RuleID = resp.RuleID
		p.finish(info, ev, start)
		return
	}

	rec := middleware.NewResponseRecorder(w)
	err := p.forwarder.Forward(rec, r, res)
	switch {
	case err == nil:
		ev.Outcome = telemetry.OutcomeProxied
		ev.StatusCode = rec.Status()
	case stderrors.Is(ctx.Err(), context.Canceled):
		p.logger.Debug("Client closed request",
			zap.String("upstream", res.Upstream),
			zap.String("request_id", ev.RequestID),
		)
		ev.Outcome = telemetry.OutcomeClientClosed
		ev.StatusCode = statusClientClosed
	default:
		p.metrics.RecordUpstreamError()
		p.logger.Warn("Upstream request failed",
			zap.String("upstream", res.Upstream),
			zap.String("host", res.Host),
			zap.String("request_id", ev.RequestID),
			zap.Error(err),
		)
		ev.Outcome = telemetry.OutcomeUpstreamError
		ev.StatusCode = rec.Status()
	}
	p.finish(info, ev, start)
}

// finish records the terminal outcome everywhere it is observed.
func (p *Pipeline) finish(info *middleware.RequestInfo, ev telemetry.Event, start time.Time) {
	info.Outcome = string(ev.Outcome)
	p.metrics.RecordRequest(string(ev.Outcome), ev.Method, ev.StatusCode, p.now().Sub(start))
	if p.telemetry != nil {
		p.telemetry.Report(ev)
	}
}
