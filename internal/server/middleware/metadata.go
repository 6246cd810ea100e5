package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/Mak2503/chat-app/internal/store"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata accumulates per-request facts as the chain runs: the
// metadata middleware fills IP, the auth middleware fills Identity.
type RequestMetadata struct {
	IP       string
	Identity *store.Identity
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware creates and injects the RequestMetadata struct.
// It must be the first middleware in the chain.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
