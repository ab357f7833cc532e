package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/wudi/edgeproxy/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool

	// HTTP/2
	ForceHTTP2 bool

	// Resolver overrides the system resolver for upstream names.
	Resolver *net.Resolver
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   64,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// TransportConfigFor derives the transport settings for the upstream section
// of the process configuration.
func TransportConfigFor(cfg config.UpstreamConfig) TransportConfig {
	tc := DefaultTransportConfig
	tc.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.Timeout > 0 {
		tc.ResponseHeaderTimeout = cfg.Timeout
	}
	tc.Resolver = NewResolver(cfg.Resolvers, tc.DialTimeout)
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Environment proxy settings are ignored: the edge dials upstreams directly.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}
