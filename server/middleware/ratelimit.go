package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teilomillet/promptbench/errors"
	"github.com/teilomillet/promptbench/metrics"
)

// RateLimiter limits requests per client IP. Each IP gets a token bucket
// refilled at requests per period.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	per      time.Duration
	requests int
	metrics  *metrics.Metrics
}

// NewRateLimiter allows requests per period with the given burst. A burst
// below one defaults to requests. Zero requests disables limiting.
func NewRateLimiter(requests int, per time.Duration, burst int, m *metrics.Metrics) *RateLimiter {
	l := &RateLimiter{metrics: m}
	l.Update(requests, per, burst)
	return l
}

// Update replaces the limit and forgets every client bucket.
func (l *RateLimiter) Update(requests int, per time.Duration, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.visitors = make(map[string]*rate.Limiter)
	l.per = per
	l.requests = requests
	if requests <= 0 || per <= 0 {
		l.limit = rate.Inf
		l.burst = 0
		return
	}
	l.limit = rate.Limit(float64(requests) / per.Seconds())
	if burst < 1 {
		burst = requests
	}
	l.burst = burst
}

func (l *RateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors[ip] = limiter
	}
	return limiter
}

// Handler rejects requests over the limit with 429.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		limiter := l.get(ip)

		if !limiter.Allow() {
			if l.metrics != nil {
				l.metrics.RateLimitHits.WithLabelValues(ip).Inc()
			}

			retryAfter := l.retryAfter()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			errors.WriteError(w, errors.NewRateLimitError(GetRequestID(r.Context()), retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter is the refill interval of one token, in whole seconds.
func (l *RateLimiter) retryAfter() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.requests <= 0 {
		return 1
	}
	secs := int(math.Ceil(l.per.Seconds() / float64(l.requests)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
