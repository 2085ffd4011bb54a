package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teilomillet/promptbench/metrics"
)

// PrometheusMetrics records HTTP metrics. Requests are labelled with the
// matched route pattern so ids in paths do not create new series.
func PrometheusMetrics(m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.ActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.ActiveRequests.WithLabelValues(r.Method).Dec()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
			m.RequestDuration.WithLabelValues(endpoint).Observe(duration)

			if rw.statusCode >= 500 {
				m.ErrorsTotal.WithLabelValues("server_error").Inc()
			} else if rw.statusCode >= 400 {
				m.ErrorsTotal.WithLabelValues("client_error").Inc()
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.wroteHeader = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
