package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request on the way in and again once it has
// been served. For websocket upgrades the second line fires when the
// session ends, so its duration covers the whole connection.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}
			reqLogger := logger.With(
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)

			reqLogger.Info("incoming request")
			start := time.Now()
			next.ServeHTTP(w, r)
			reqLogger.Info("request served", slog.Duration("duration", time.Since(start)))
		})
	}
}
