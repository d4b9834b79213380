package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"geohub/gateway/auth"
	"geohub/observability/logging"
)

type contextKey string

// ContextKeyIdentity carries the resolved caller identity through request
// context.
const ContextKeyIdentity contextKey = "gateway.identity"

// IdentityFrom extracts the authenticated identity from a request context.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(ContextKeyIdentity).(auth.Identity)
	return identity, ok
}

// Resolver validates bearer tokens. The auth service implements it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

// Bearer authenticates requests with an Authorization bearer token and
// stores the resolved identity on the context. requireOperator additionally
// gates the privileged routes.
func Bearer(resolver Resolver, requireOperator bool, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			identity, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				log.Warn("bearer token rejected",
					logging.MaskField("token", token),
					"path", r.URL.Path)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if requireOperator && !identity.IsOperator() {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
