package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mak2503/chat-app/internal/store"
)

// Claims is the expected JWT claim set; the subject carries the identity id.
type Claims struct {
	jwt.RegisteredClaims
}

// NewAuthMiddleware is the presence authenticator. It verifies the bearer
// credential and resolves it to a stored identity before the websocket
// upgrade; a connection that fails here never reaches the dispatcher. The
// check runs exactly once per connection.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string, identities store.IdentityStore) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("connection attempt without credential", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("invalid credential presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || claims.Subject == "" {
				logger.Warn("valid token missing 'sub' claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := identities.FindByID(r.Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					logger.Warn("credential for unknown identity",
						slog.String("ip", reqMeta.IP), slog.String("sub", claims.Subject))
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				logger.Error("identity lookup failed", slog.Any("error", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			reqMeta.Identity = identity
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credential from the Authorization header, with a
// query-parameter fallback for browser websocket clients that cannot set
// headers on the handshake.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
