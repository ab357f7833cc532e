package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// HTTPListener wraps an HTTP server as a Listener. With a certificate it
// serves HTTPS with HTTP/2 and, optionally, HTTP/3 on the same port over UDP.
type HTTPListener struct {
	id          string
	address     string
	server      *http.Server
	tlsCfg      *tls.Config
	wrap        func(net.Listener) net.Listener
	listener    net.Listener
	http3Server *http3.Server
	udpConn     net.PacketConn
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	CertFile          string
	KeyFile           string
	EnableHTTP3       bool
	EnableH2C         bool
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	// WrapListener, when set, wraps the raw TCP listener before TLS.
	WrapListener func(net.Listener) net.Listener
	ErrorLog     *log.Logger
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
		wrap:    cfg.WrapListener,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}
	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	handler := cfg.Handler
	if cfg.EnableHTTP3 && h.tlsCfg != nil {
		h.http3Server = &http3.Server{
			Handler:   cfg.Handler,
			TLSConfig: h.tlsCfg,
		}
		handler = h.advertiseHTTP3(handler)
	}
	if cfg.EnableH2C && h.tlsCfg == nil {
		handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: idleTimeout})
	}

	// No read/write deadline: upstream exchanges are bounded by the proxy
	// timeout and responses may stream.
	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
		ErrorLog:          cfg.ErrorLog,
	}
	return h, nil
}

// advertiseHTTP3 sets Alt-Svc on TCP responses so clients can upgrade.
func (h *HTTPListener) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			h.http3Server.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns the protocols served.
func (h *HTTPListener) Protocol() string {
	switch {
	case h.http3Server != nil:
		return "https+h3"
	case h.tlsCfg != nil:
		return "https"
	default:
		return "http"
	}
}

// Addr returns the bound address, or the configured one before Bind.
func (h *HTTPListener) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Bind opens the TCP socket and, for HTTP/3, the UDP socket on the same port.
func (h *HTTPListener) Bind() error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.http3Server != nil {
		udpConn, err := net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen UDP for HTTP/3 on %s: %w", ln.Addr(), err)
		}
		h.udpConn = udpConn
	}
	if h.wrap != nil {
		ln = h.wrap(ln)
	}
	h.listener = ln
	return nil
}

// Serve serves until Shutdown.
func (h *HTTPListener) Serve() error {
	if h.listener == nil {
		return errors.New("listener not bound")
	}
	var g errgroup.Group
	g.Go(func() error {
		var err error
		if h.tlsCfg != nil {
			err = h.server.ServeTLS(h.listener, "", "")
		} else {
			err = h.server.Serve(h.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if h.http3Server != nil {
		g.Go(func() error {
			if err := h.http3Server.Serve(h.udpConn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops the listener, HTTP/3 first.
func (h *HTTPListener) Shutdown(ctx context.Context) error {
	var errs []error
	if h.http3Server != nil {
		if err := h.http3Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.udpConn != nil {
		h.udpConn.Close()
	}
	if err := h.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HTTP3Enabled returns whether HTTP/3 is enabled on this listener.
func (h *HTTPListener) HTTP3Enabled() bool {
	return h.http3Server != nil
}
