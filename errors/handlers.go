package errors

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler recovers panics from next and answers with a JSON InternalError.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := r.Header.Get("X-Request-ID")
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", requestID),
					)
					WriteError(w, NewInternalError(requestID, nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs err with its category and request id. Aborts are logged at info
// because they are user actions.
func LogError(logger *zap.Logger, err error, requestID string) {
	be, ok := err.(*BenchError)
	if !ok {
		logger.Error("unexpected error",
			zap.Error(err),
			zap.String("request_id", requestID),
		)
		return
	}
	fields := []zap.Field{
		zap.String("error_type", string(be.Type)),
		zap.String("message", be.Message),
		zap.Int("code", be.Code),
		zap.String("request_id", requestID),
	}
	if len(be.Details) > 0 {
		fields = append(fields, zap.Any("details", be.Details))
	}
	if be.Type == AbortedError {
		logger.Info("request aborted", fields...)
		return
	}
	logger.Error("request error", fields...)
}
