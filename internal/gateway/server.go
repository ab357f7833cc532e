package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wudi/edgeproxy/config"
	"github.com/wudi/edgeproxy/internal/listener"
	"github.com/wudi/edgeproxy/internal/middleware"
)

// Server runs the gateway on its proxy listeners plus the admin listener.
type Server struct {
	gateway   *Gateway
	manager   *listener.Manager
	config    *config.Config
	logger    *zap.Logger
	startTime time.Time
}

// NewServer creates the gateway and its listeners. Nothing is bound until
// Run.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gw, err := New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		manager:   listener.NewManager(logger),
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	if err := s.initListeners(); err != nil {
		gw.Close(ctx)
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}
	return s, nil
}

// initListeners creates the listeners named by the configuration.
func (s *Server) initListeners() error {
	lc := s.config.Listeners
	errorLog, err := zap.NewStdLogAt(s.logger.Named("http"), zapcore.WarnLevel)
	if err != nil {
		return err
	}
	guard := s.gateway.ConnGuard()
	if guard != nil {
		s.logger.Info("Violating connections are dropped at accept time")
	}

	var cfgs []listener.HTTPListenerConfig
	if lc.HTTPAddress != "" {
		cfgs = append(cfgs, listener.HTTPListenerConfig{
			ID:                "http",
			Address:           lc.HTTPAddress,
			Handler:           s.gateway.Handler(),
			EnableH2C:         lc.EnableH2C,
			ReadHeaderTimeout: lc.ReadHeaderTimeout,
			IdleTimeout:       lc.IdleTimeout,
			WrapListener:      guard,
			ErrorLog:          errorLog,
		})
	}
	if lc.TLSEnabled() {
		cfgs = append(cfgs, listener.HTTPListenerConfig{
			ID:                "https",
			Address:           lc.HTTPSAddress,
			Handler:           s.gateway.Handler(),
			CertFile:          lc.CertFile,
			KeyFile:           lc.KeyFile,
			EnableHTTP3:       lc.EnableHTTP3,
			ReadHeaderTimeout: lc.ReadHeaderTimeout,
			IdleTimeout:       lc.IdleTimeout,
			WrapListener:      guard,
			ErrorLog:          errorLog,
		})
	}
	if s.config.Admin.Address != "" {
		cfgs = append(cfgs, listener.HTTPListenerConfig{
			ID:                "admin",
			Address:           s.config.Admin.Address,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: lc.ReadHeaderTimeout,
			IdleTimeout:       lc.IdleTimeout,
			ErrorLog:          errorLog,
		})
	}

	for _, lcfg := range cfgs {
		l, err := listener.NewHTTPListener(lcfg)
		if err != nil {
			return fmt.Errorf("failed to create listener %s: %w", lcfg.ID, err)
		}
		if err := s.manager.Add(l); err != nil {
			return fmt.Errorf("failed to add listener %s: %w", lcfg.ID, err)
		}
	}
	return nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run serves until ctx is cancelled or a listener fails, then stops the
// listeners and drains telemetry, each within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting edgeproxy", zap.Strings("listeners", s.manager.List()))
	err := s.manager.Run(ctx, s.config.Listeners.ShutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), s.config.Listeners.ShutdownTimeout)
	defer cancel()
	if cerr := s.gateway.Close(closeCtx); cerr != nil {
		s.logger.Error("Gateway close error", zap.Error(cerr))
	}
	if err != nil {
		return err
	}
	s.logger.Info("Server shutdown complete")
	return nil
}

// AdminHandler serves metrics, health, stats and the redacted config.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.gateway.Metrics().Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /config", s.handleConfig)
	return middleware.Recovery(s.logger)(mux)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"listeners": s.manager.Count(),
	})
}

// handleStats reports component counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipeline":  s.gateway.Stats(),
		"listeners": s.manager.List(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// handleConfig returns the running configuration with secrets masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := config.MarshalRedacted(s.config)
	if err != nil {
		s.logger.Error("Failed to render config", zap.Error(err))
		http.Error(w, "failed to render config", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}
