package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/storecart/pkg/logger"
)

// RequestLogger stores a request-scoped logger in the context. Mount it after
// RequestLogging, Tracing and any middleware that establishes the user, so the
// logger carries correlation_id, user_id and trace ids.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := UserIDFromContext(ctx); id != "" {
				ctx = logger.WithUserID(ctx, id)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
