package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context. Handlers see the deadline through
// r.Context() and report it as they report any cancellation; nothing is
// written on their behalf, so streamed responses stay consistent.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
