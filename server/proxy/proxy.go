// Package proxy implements the CORS relay: a browser posts to
// /api/proxy?target=<endpoint> and the relay forwards the request to an
// allow-listed completion endpoint, streaming the answer back.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/metrics"
	"github.com/teilomillet/promptbench/server/middleware"
)

// maxRequestBytes caps a relayed request body.
const maxRequestBytes = 10 << 20

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards requests to allow-listed hosts.
type Proxy struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	allowed []string
	timeout time.Duration
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient sets the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithMetrics counts relayed requests by outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// New returns a relay for the given domains. A zero timeout leaves requests
// bounded by the client connection only.
func New(allowed []string, timeout time.Duration, opts ...Option) *Proxy {
	p := &Proxy{
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	p.Update(allowed, timeout)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update swaps the allow-list and timeout, typically after a config reload.
func (p *Proxy) Update(allowed []string, timeout time.Duration) {
	domains := make([]string, 0, len(allowed))
	for _, d := range allowed {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	p.mu.Lock()
	p.allowed = domains
	p.timeout = timeout
	p.mu.Unlock()
}

// Allowed reports whether host is a listed domain or a subdomain of one.
func (p *Proxy) Allowed(host string) bool {
	host = strings.ToLower(host)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ParseTarget validates the target parameter.
func (p *Proxy) ParseTarget(raw string) (*url.URL, *errors.BenchError) {
	if raw == "" {
		return nil, errors.NewBadRequestError("", "Missing target URL parameter", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, errors.NewBadRequestError("", "Invalid target URL", err)
	}
	if !p.Allowed(u.Hostname()) {
		return nil, errors.NewForbiddenError("", "Target domain not allowed")
	}
	return u, nil
}

func (p *Proxy) count(outcome string) {
	if p.metrics != nil {
		p.metrics.ProxyRequests.WithLabelValues(outcome).Inc()
	}
}

// ServeHTTP relays r to its target. X-API-Key becomes a bearer token.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	target, berr := p.ParseTarget(r.URL.Query().Get("target"))
	if berr != nil {
		p.count("rejected")
		errors.WriteError(w, berr.WithRequestID(requestID))
		return
	}

	ctx := r.Context()
	p.mu.RLock()
	timeout := p.timeout
	p.mu.RUnlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		p.count("error")
		errors.Respond(w, requestID, err)
		return
	}
	copyRequestHeaders(out.Header, r.Header)
	out.ContentLength = r.ContentLength

	p.logger.Info("Relaying request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("target", target.Redacted()),
	)

	resp, err := p.client.Do(out)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			p.count("aborted")
			p.logger.Info("Relay aborted by client", zap.String("request_id", requestID))
			return
		}
		p.count("error")
		p.logger.Warn("Relay failed", zap.String("request_id", requestID), zap.Error(err))
		errors.WriteError(w, errors.NewError(
			errors.TransportError,
			fmt.Sprintf("Proxy error: %v", err),
			http.StatusBadGateway,
			requestID,
			nil,
			err,
		))
		return
	}
	defer resp.Body.Close()

	p.count("forwarded")
	p.logger.Info("Relay response",
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
	)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := streamBody(w, resp.Body); err != nil && !stderrors.Is(err, context.Canceled) {
		p.logger.Warn("Relay body interrupted", zap.String("request_id", requestID), zap.Error(err))
	}
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "X-Api-Key", "Origin", "Referer", "Cookie", "Host", "Content-Length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	if key := src.Get("X-API-Key"); key != "" {
		dst.Set("Authorization", "Bearer "+key)
	}
}

// copyResponseHeaders keeps the relay's own CORS grant.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), "Access-Control-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// streamBody copies body to w, flushing after every read so server-sent
// events reach the browser as they arrive.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
