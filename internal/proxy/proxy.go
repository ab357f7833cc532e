// Package proxy forwards admitted requests to the upstream chosen by the
// router.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/middleware/realip"
	"github.com/wudi/edgeproxy/internal/router"
)

// ErrorFunc is notified when an upstream exchange fails.
type ErrorFunc func(r *http.Request, upstream string, err error)

// Config holds proxy configuration
type Config struct {
	// Scheme used to dial upstreams, "http" or "https".
	Scheme string
	// Timeout bounds the whole upstream exchange. Zero means 30s.
	Timeout   time.Duration
	Transport http.RoundTripper
	OnError   ErrorFunc
}

// Proxy forwards requests to a resolved upstream authority.
type Proxy struct {
	scheme    string
	timeout   time.Duration
	transport http.RoundTripper
	onError   ErrorFunc
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	p := &Proxy{
		scheme:    cfg.Scheme,
		timeout:   cfg.Timeout,
		transport: cfg.Transport,
		onError:   cfg.OnError,
	}
	if p.scheme == "" {
		p.scheme = "https"
	}
	if p.timeout == 0 {
		p.timeout = 30 * time.Second
	}
	if p.transport == nil {
		p.transport = NewTransport(DefaultTransportConfig)
	}
	return p
}

// Forward sends r to res.Upstream presenting it as res.Host, and streams the
// answer back. On failure a JSON 502 (504 on timeout) naming the upstream is
// written and the error returned.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, res router.Resolution) error {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	header := acquireProxyHeader()
	defer releaseProxyHeader(header)

	outReq := p.createProxyRequest(ctx, r, res, header)
	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		if stderrors.Is(r.Context().Err(), context.Canceled) {
			return err
		}
		p.handleError(w, r, res.Upstream, err)
		return err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	announced := announceTrailers(w.Header(), resp.Trailer)
	w.WriteHeader(resp.StatusCode)

	copyBody(w, resp.Body, streaming(resp))

	if announced {
		for k, vv := range resp.Trailer {
			w.Header()[http.TrailerPrefix+k] = vv
		}
	}
	return nil
}

var proxyHeaderPool = sync.Pool{
	New: func() any { return make(http.Header, 16) },
}

func acquireProxyHeader() http.Header {
	h := proxyHeaderPool.Get().(http.Header)
	clear(h)
	return h
}

func releaseProxyHeader(h http.Header) {
	// Only return reasonably-sized maps to avoid holding oversized maps
	if len(h) <= 64 {
		proxyHeaderPool.Put(h)
	}
}

// createProxyRequest builds the outbound request. header is reused as the
// outbound header map; the caller owns its pool lifecycle.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request, res router.Resolution, header http.Header) *http.Request {
	target := &url.URL{
		Scheme:   p.scheme,
		Host:     res.Upstream,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          res.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		proxyReq.Body = nil
	}

	for k, vv := range r.Header {
		header[k] = vv
	}
	removeHopHeaders(header)

	if clientIP := realip.ClientAddress(r); clientIP != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}
	header.Set("X-Forwarded-Host", r.Host)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	return proxyReq
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, upstream string, err error) {
	if p.onError != nil {
		p.onError(r, upstream, err)
	}
	requestID := r.Header.Get("X-Request-ID")
	if stderrors.Is(err, context.DeadlineExceeded) {
		errors.ErrGatewayTimeout.WithDetails("upstream " + upstream + " timed out").WithRequestID(requestID).WriteJSON(w)
		return
	}
	errors.ErrBadGateway.WithDetails("upstream " + upstream + " unavailable").WithRequestID(requestID).WriteJSON(w)
}

// copyHeaders copies upstream response headers, dropping hop-by-hop ones.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

func announceTrailers(dst http.Header, trailer http.Header) bool {
	if len(trailer) == 0 {
		return false
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	dst.Set("Trailer", strings.Join(keys, ", "))
	return true
}

// streaming reports whether the body should be flushed as it arrives.
func streaming(resp *http.Response) bool {
	if resp.ContentLength == -1 {
		return true
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mt == "text/event-stream"
}

func copyBody(w http.ResponseWriter, body io.Reader, flush bool) {
	if flush {
		if flusher, ok := w.(http.Flusher); ok {
			buf := make([]byte, 32*1024)
			for {
				n, err := body.Read(buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						return
					}
					flusher.Flush()
				}
				if err != nil {
					return
				}
			}
		}
	}
	io.Copy(w, body)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	if c := header.Get("Connection"); c != "" {
		for _, name := range strings.Split(c, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
