package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/teilomillet/promptbench/errors"
)

// Recovery middleware recovers from panics and logs the error
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID := GetRequestID(r.Context())
					logger.Error("Panic recovered",
						zap.String("request_id", requestID),
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					errors.WriteError(w, errors.NewInternalError(
						requestID,
						fmt.Errorf("internal server error: %v", err),
					))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
