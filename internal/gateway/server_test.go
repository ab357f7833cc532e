package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestServer(t *testing.T, env *gatewayEnv) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), env.cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestAdminHealth(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	env.cfg.Admin.Address = "127.0.0.1:0"
	s := newTestServer(t, env)

	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["listeners"] != float64(1) {
		t.Errorf("listeners = %v, want 1", body["listeners"])
	}
}

func TestAdminStats(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	env.cfg.Routing.Rewrites = []string{"test.example.com=example.com"}
	s := newTestServer(t, env)

	serve(s.Gateway().Handler(), "127.0.0.1:1234", "www.example.com", http.MethodGet, "/")

	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body struct {
		Pipeline Stats `json:"pipeline"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Pipeline.Gate.Admitted != 1 {
		t.Errorf("admitted = %d, want 1", body.Pipeline.Gate.Admitted)
	}
	if body.Pipeline.Router.Directives != 1 {
		t.Errorf("directives = %d, want 1", body.Pipeline.Router.Directives)
	}
	if rw := body.Pipeline.Router.Rewrites; len(rw) != 1 || rw[0].Source != "test.example.com" || rw[0].Target != "example.com" {
		t.Errorf("rewrites = %+v", rw)
	}
	if body.Pipeline.Telemetry.Enabled {
		t.Error("telemetry reported enabled")
	}
}

func TestAdminMetrics(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	s := newTestServer(t, env)

	serve(s.Gateway().Handler(), "127.0.0.1:1234", "www.example.com", http.MethodGet, "/")

	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`edgeproxy_origin_decisions_total{decision="admit"} 1`,
		`edgeproxy_requests_total{method="GET",outcome="proxied",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestAdminConfigRedactsSecrets(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.APISecret = "super-secret-value"
	s := newTestServer(t, env)
	defer closeGateway(t, s.Gateway())

	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "super-secret-value") {
		t.Error("config endpoint leaked the API secret")
	}
	if !strings.Contains(rec.Body.String(), "G-TEST") {
		t.Error("config endpoint dropped non-secret fields")
	}
}

func TestAdminRejectsWrongMethod(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	s := newTestServer(t, env)

	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("listener %s never came up", addr)
}

func TestServerRunServesAndDrains(t *testing.T) {
	env := newGatewayEnv(t)
	proxyAddr, adminAddr := freeAddr(t), freeAddr(t)
	env.cfg.Listeners.HTTPAddress = proxyAddr
	env.cfg.Listeners.EnableH2C = true
	env.cfg.Admin.Address = adminAddr
	s := newTestServer(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitForListener(t, proxyAddr)

	req, _ := http.NewRequest(http.MethodGet, "http://"+proxyAddr+"/", nil)
	req.Host = "www.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "from upstream" {
		t.Errorf("body = %q", body)
	}

	resp, err = http.Get("http://" + adminAddr + "/healthz")
	if err != nil {
		t.Fatalf("admin GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Run drains telemetry before returning.
	if got := env.collector.outcomes(); len(got) != 1 || got[0] != "proxied" {
		t.Errorf("telemetry outcomes = %v, want one proxied", got)
	}
}

func TestServerRunFailsOnBusyAddress(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	env.cfg.Listeners.HTTPAddress = ln.Addr().String()
	s := newTestServer(t, env)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected a bind error")
	}
}

func TestNewServerRejectsMissingCertificate(t *testing.T) {
	env := newGatewayEnv(t)
	env.cfg.Telemetry.Enabled = false
	env.cfg.Listeners.HTTPSAddress = "127.0.0.1:0"
	env.cfg.Listeners.CertFile = "/nonexistent/cert.pem"
	env.cfg.Listeners.KeyFile = "/nonexistent/key.pem"

	if _, err := NewServer(context.Background(), env.cfg, zap.NewNop()); err == nil {
		t.Fatal("expected a certificate error")
	}
}
