package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/edgeproxy/config"
)

// fakeCollector records measurement protocol posts.
type fakeCollector struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (c *fakeCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if r.URL.Path == "/mp/collect" {
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *fakeCollector) outcomes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.bodies {
		out = append(out, gjson.GetBytes(b, "events.0.params.outcome").String())
	}
	return out
}

func (c *fakeCollector) param(i int, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gjson.GetBytes(c.bodies[i], "events.0.params."+name).String()
}

// upstream records requests reaching the backend.
type upstream struct {
	hits atomic.Int32
	mu   sync.Mutex
	last *http.Request
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.hits.Add(1)
	u.mu.Lock()
	u.last = r.Clone(context.Background())
	u.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "from upstream")
}

func (u *upstream) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type gatewayEnv struct {
	cfg       *config.Config
	upstream  *upstream
	collector *fakeCollector
	backend   *httptest.Server
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	env := &gatewayEnv{upstream: &upstream{}, collector: &fakeCollector{}}
	env.backend = httptest.NewServer(env.upstream)
	t.Cleanup(env.backend.Close)
	ga4 := httptest.NewServer(env.collector)
	t.Cleanup(ga4.Close)

	env.cfg = &config.Config{
		Listeners: config.ListenerConfig{
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Routing: config.RoutingConfig{
			ArcServer: env.backend.Listener.Addr().String(),
			CacheSize: 16,
		},
		Upstream: config.UpstreamConfig{Scheme: "http", Timeout: 5 * time.Second},
		Telemetry: config.TelemetryConfig{
			Enabled:       true,
			MeasurementID: "G-TEST",
			APISecret:     "secret",
			Endpoint:      ga4.URL,
			EventName:     "proxy_request",
			Timeout:       2 * time.Second,
			RetryDelay:    10 * time.Millisecond,
			Workers:       1,
			QueueSize:     16,
		},
		Tracing: config.TracingConfig{ServiceName: "edgeproxy", SampleRate: 1},
	}
	return env
}

func (e *gatewayEnv) start(t *testing.T, logger *zap.Logger) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(context.Background(), e.cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewUnstartedServer(gw.Handler())
	if guard := gw.ConnGuard(); guard != nil {
		srv.Listener = guard(srv.Listener)
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return gw, srv
}

func closeGateway(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func get(t *testing.T, srv *httptest.Server, host, path string, header http.Header) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	for k, vv := range header {
		req.Header[k] = vv
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

func TestGatewayAbortsAtAccept(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Access = config.AccessConfig{
		AllowedIPv4:      []string{"10.0.0.0/8"},
		HateLAN:          true,
		AbortOnViolation: true,
	}
	gw, srv := env.start(t, zap.NewNop())

	resp, err := get(t, srv, "www.example.com", "/", nil)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the connection to be dropped, got status %d", resp.StatusCode)
	}
	closeGateway(t, gw)

	if n := env.upstream.hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "blocked" {
		t.Fatalf("telemetry outcomes = %v, want one blocked", got)
	}
	if got := env.collector.param(0, "client_ip"); got != "127.0.0.1" {
		t.Errorf("client_ip = %q, want 127.0.0.1", got)
	}
	if s := gw.Stats(); s.Gate.Aborted != 1 {
		t.Errorf("gate aborted = %d, want 1", s.Gate.Aborted)
	}
}

func TestGatewayAbortsRequestBehindTrustedProxy(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Access = config.AccessConfig{
		AllowedIPv4:      []string{"10.0.0.0/8"},
		AbortOnViolation: true,
		TrustedProxies:   []string{"127.0.0.0/8"},
	}
	gw, srv := env.start(t, zap.NewNop())
	if gw.ConnGuard() != nil {
		t.Fatal("connection guard must be off when trusting proxies")
	}

	resp, err := get(t, srv, "www.example.com", "/", http.Header{"X-Forwarded-For": {"203.0.113.5"}})
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the request to be aborted, got status %d", resp.StatusCode)
	}
	closeGateway(t, gw)

	if n := env.upstream.hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "blocked" {
		t.Fatalf("telemetry outcomes = %v, want one blocked", got)
	}
	if got := env.collector.param(0, "client_ip"); got != "203.0.113.5" {
		t.Errorf("client_ip = %q, want 203.0.113.5", got)
	}
}

func TestGatewayProxiesAdmittedClient(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Access = config.AccessConfig{
		AbortOnViolation: true,
		TrustedProxies:   []string{"127.0.0.0/8"},
	}
	core, logs := observer.New(zap.InfoLevel)
	gw, srv := env.start(t, zap.New(core))

	resp, err := get(t, srv, "www.example.com", "/index.html?q=1", http.Header{"X-Forwarded-For": {"10.1.2.3"}})
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	closeGateway(t, gw)

	if resp.StatusCode != http.StatusOK || string(body) != "from upstream" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response carries no request ID")
	}
	last := env.upstream.lastRequest()
	if last.Host != "www.example.com" {
		t.Errorf("upstream Host = %q, want the inbound host", last.Host)
	}
	if last.URL.RawQuery != "q=1" {
		t.Errorf("upstream query = %q", last.URL.RawQuery)
	}
	if !strings.Contains(last.Header.Get("X-Forwarded-For"), "10.1.2.3") {
		t.Errorf("X-Forwarded-For = %q", last.Header.Get("X-Forwarded-For"))
	}
	if last.Header.Get("X-Request-ID") != resp.Header.Get("X-Request-ID") {
		t.Error("request ID not propagated upstream")
	}
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "proxied" {
		t.Fatalf("telemetry outcomes = %v, want one proxied", got)
	}

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("access log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["outcome"] != "proxied" || fields["remote_addr"] != "10.1.2.3" {
		t.Errorf("access log fields = %v", fields)
	}
}

func TestGatewayServesMockRule(t *testing.T) {
	env := newGatewayEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.example.com.yaml"), []byte(helloRules), 0o644); err != nil {
		t.Fatal(err)
	}
	env.cfg.Rules.Directory = dir
	gw, srv := env.start(t, zap.NewNop())

	resp, err := get(t, srv, "test.example.com", "/test/v1/uri/hello", nil)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	closeGateway(t, gw)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != `{"hello":"world"}` {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if key := resp.Header.Get("X-Api-Key"); key != "12345" {
		t.Errorf("X-Api-Key = %q", key)
	}
	if n := env.upstream.hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "mocked" {
		t.Fatalf("telemetry outcomes = %v, want one mocked", got)
	}
	if got := env.collector.param(0, "rule"); got != "test.example.com#1" {
		t.Errorf("rule = %q", got)
	}
}

func TestGatewayUpstreamUnavailable(t *testing.T) {
	env := newGatewayEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()
	env.cfg.Routing.ArcServer = dead
	gw, srv := env.start(t, zap.NewNop())

	resp, err := get(t, srv, "www.example.com", "/", nil)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	closeGateway(t, gw)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body struct {
		Code      int    `json:"code"`
		Details   string `json:"details"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Details, dead) {
		t.Errorf("details = %q, want the upstream address", body.Details)
	}
	if body.RequestID == "" || body.RequestID != resp.Header.Get("X-Request-ID") {
		t.Errorf("request_id = %q, header = %q", body.RequestID, resp.Header.Get("X-Request-ID"))
	}
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "upstream_error" {
		t.Fatalf("telemetry outcomes = %v, want one upstream_error", got)
	}
}

func TestGatewayRedactsClientAddress(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.DisableIPLogging = true
	gw, srv := env.start(t, zap.NewNop())

	resp, err := get(t, srv, "www.example.com", "/", nil)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	closeGateway(t, gw)

	if got := env.collector.param(0, "client_ip"); got != "[redacted]" {
		t.Errorf("client_ip = %q, want [redacted]", got)
	}
}

func TestNewRejectsBadRuleFile(t *testing.T) {
	env := newGatewayEnv(t)
	dir := t.TempDir()
	bad := "- template: /x\n  statusCode: 99\n"
	if err := os.WriteFile(filepath.Join(dir, "test.example.com.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	env.cfg.Rules.Directory = dir
	env.cfg.Telemetry.Enabled = false

	if _, err := New(context.Background(), env.cfg, zap.NewNop()); err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestNewWarnsAboutOpenRanges(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	env.cfg.Access.AllowedIPv4 = []string{"0.0.0.0/0"}
	core, logs := observer.New(zap.WarnLevel)

	gw, err := New(context.Background(), env.cfg, zap.New(core))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	closeGateway(t, gw)
	if logs.FilterFieldKey("range").Len() != 1 {
		t.Errorf("expected one open range warning, got %v", logs.All())
	}
}
