package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/platform/logger"
)

// NewTraceMiddleware adds a trace ID and the request's action id to the
// context, together with a logger carrying both. It should run before any
// handler that logs.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			ctx = shared.SetActionID(ctx, r.Header.Get(shared.ActionIDHeader))

			traceID := shared.GetTraceID(ctx)
			log := logger.FromContextOrDefault(ctx, base).With(
				slog.String("trace_id", traceID),
				slog.String("action_id", shared.GetActionID(ctx)))
			ctx = logger.WithLogger(ctx, log)
			ctx = logger.WithRequestID(ctx, traceID)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
