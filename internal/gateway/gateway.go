// Package gateway assembles the request pipeline and the listeners serving
// it.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/config"
	"github.com/wudi/edgeproxy/internal/metrics"
	"github.com/wudi/edgeproxy/internal/middleware"
	"github.com/wudi/edgeproxy/internal/middleware/ipfilter"
	"github.com/wudi/edgeproxy/internal/middleware/mock"
	"github.com/wudi/edgeproxy/internal/middleware/realip"
	"github.com/wudi/edgeproxy/internal/proxy"
	"github.com/wudi/edgeproxy/internal/router"
	"github.com/wudi/edgeproxy/internal/rules"
	"github.com/wudi/edgeproxy/internal/telemetry"
	"github.com/wudi/edgeproxy/internal/tracing"
)

// Gateway owns every pipeline component built from one Config.
type Gateway struct {
	config    *config.Config
	logger    *zap.Logger
	gate      *ipfilter.Gate
	extractor *realip.Extractor
	router    *router.Router
	rules     *rules.Engine
	responder *mock.Responder
	proxy     *proxy.Proxy
	telemetry *telemetry.Dispatcher
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	pipeline  *Pipeline
	handler   http.Handler
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	telemetry []telemetry.Option
	transport http.RoundTripper
}

// WithTelemetryOptions passes opts to the telemetry dispatcher.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(o *options) { o.telemetry = append(o.telemetry, opts...) }
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New builds the gateway. Every failure is a configuration error and the
// process should not start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		metrics:   metrics.NewCollector(),
		responder: mock.NewResponder(),
	}

	policy, open, err := ipfilter.NewPolicy(cfg.Access)
	if err != nil {
		return nil, err
	}
	for _, r := range open {
		logger.Warn("Allow-list contains an open range, every address of its family is admitted",
			zap.Stringer("range", r))
	}
	if policy.Empty() {
		if policy.HateLAN {
			logger.Warn("No allow-list configured and LAN access disabled, every client will be blocked")
		} else {
			logger.Warn("No allow-list configured, only LAN clients are admitted")
		}
	}
	g.gate = ipfilter.New(policy)

	g.extractor, err = realip.New(cfg.Access.TrustedProxies, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	directives, err := router.ParseDirectives(cfg.Routing.Rewrites)
	if err != nil {
		return nil, err
	}
	g.router, err = router.New(cfg.Routing.ArcServer, directives, cfg.Routing.CacheSize)
	if err != nil {
		return nil, err
	}
	if g.router.Override() != "" {
		logger.Info("Upstream override active, host rewrites are ignored",
			zap.String("upstream", g.router.Override()))
	}

	g.rules, err = rules.LoadDir(cfg.Rules.Directory)
	if err != nil {
		return nil, err
	}
	if n := g.rules.RuleCount(); n > 0 {
		logger.Info("Mock rules loaded",
			zap.Int("rules", n),
			zap.Strings("domains", g.rules.Domains()))
	}

	telemetryOpts := append([]telemetry.Option{telemetry.WithObserver(g.metrics)}, o.telemetry...)
	g.telemetry = telemetry.New(cfg.Telemetry, logger, telemetryOpts...)

	transport := o.transport
	if transport == nil {
		transport = proxy.NewTransport(proxy.TransportConfigFor(cfg.Upstream))
	}
	g.proxy = proxy.New(proxy.Config{
		Scheme:    cfg.Upstream.Scheme,
		Timeout:   cfg.Upstream.Timeout,
		Transport: transport,
	})

	g.tracer, err = tracing.New(ctx, cfg.Tracing)
	if err != nil {
		g.telemetry.Close(ctx)
		return nil, fmt.Errorf("tracing: %w", err)
	}

	g.pipeline = NewPipeline(PipelineConfig{
		Gate:      g.gate,
		Router:    g.router,
		Rules:     g.rules,
		Responder: g.responder,
		Forwarder: g.proxy,
		Telemetry: g.telemetry,
		Metrics:   g.metrics,
		Logger:    logger,
	})

	g.handler = middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(g.extractor.Middleware).
		Use(middleware.AccessLog(logger, middleware.AccessLogConfig{})).
		UseIf(g.tracer.Enabled(), g.tracer.Middleware()).
		Use(middleware.Recovery(logger)).
		Handler(g.pipeline)

	return g, nil
}

// Handler returns the proxy handler: request ID, client address, access
// log, tracing and panic recovery around the pipeline.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// ConnGuard returns a listener wrapper that drops violating peers at accept
// time, or nil when the gate cannot judge connections by their peer
// address (reject mode, or clients arriving through trusted proxies).
func (g *Gateway) ConnGuard() func(net.Listener) net.Listener {
	if !g.gate.Policy().AbortOnViolation || g.extractor.Trusting() {
		return nil
	}
	return func(ln net.Listener) net.Listener {
		return ipfilter.NewListener(ln, g.gate, g.rejectConn)
	}
}

func (g *Gateway) rejectConn(remote string, d ipfilter.Decision) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	g.metrics.RecordRejectedConn(d.String())
	g.metrics.RecordOrigin(d.String())
	g.telemetry.Report(telemetry.Event{
		ClientAddress: host,
		Gate:          d.String(),
		Outcome:       telemetry.OutcomeBlocked,
		Timestamp:     time.Now(),
	})
	g.logger.Debug("Connection dropped at accept",
		zap.String("client", host),
		zap.String("decision", d.String()))
}

// Stats is the admin view of the pipeline.
type Stats struct {
	Gate      ipfilter.Stats            `json:"gate"`
	RealIP    realip.Stats              `json:"real_ip"`
	Router    router.Stats              `json:"router"`
	Rules     RuleStats                 `json:"rules"`
	Mock      map[string]int64          `json:"mock"`
	Telemetry telemetry.DispatcherStats `json:"telemetry"`
	Tracing   bool                      `json:"tracing"`
}

// RuleStats summarizes the rule engine.
type RuleStats struct {
	Domains []string              `json:"domains"`
	Rules   int                   `json:"rules"`
	Metrics rules.MetricsSnapshot `json:"metrics"`
}

// Stats returns a snapshot of every component's counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Gate:   g.gate.Stats(),
		RealIP: g.extractor.Stats(),
		Router: g.router.Stats(),
		Rules: RuleStats{
			Domains: g.rules.Domains(),
			Rules:   g.rules.RuleCount(),
			Metrics: g.rules.Metrics().Snapshot(),
		},
		Mock:      g.responder.Stats(),
		Telemetry: g.telemetry.Stats(),
		Tracing:   g.tracer.Enabled(),
	}
}

// Close drains the telemetry queue and flushes pending spans.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if err := g.telemetry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := g.tracer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return stderrors.Join(errs...)
}
