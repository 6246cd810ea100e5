package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Mak2503/chat-app/pkg/config"
)

type ConnectionCounter func(identityID string) int
type ConnectionCycler func(identityID string)

// NewConnectionLimiter caps live connections per identity. It must run
// after auth, since it keys on the resolved identity. Mode "reject" refuses
// the handshake; mode "cycle" closes the identity's oldest connection to
// make room.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	cycler ConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.Identity == nil {
				logger.Error("connection limiter ran before auth; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			identityID := reqMeta.Identity.ID
			count := counter(identityID)
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("identity connection limit reached",
				slog.String("identityID", identityID), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(identityID)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
