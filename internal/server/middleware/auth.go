package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/a-essam23/livecore/pkg/auth"
)

// NewAuthMiddleware authenticates the upgrade request and stores the principal
// in the request metadata. Missing or bad credentials get 401, a principal
// without connect rights gets 403.
func NewAuthMiddleware(logger *slog.Logger, authenticator *auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			p, err := authenticator.Authenticate(r.Context(), auth.SourceFromRequest(r))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrInsufficientPermission) {
					status = http.StatusForbidden
				}
				logger.Warn("Connection authentication failed",
					slog.String("ip", reqMeta.IP),
					slog.Int("status", status),
					slog.Any("error", err),
				)
				http.Error(w, http.StatusText(status), status)
				return
			}
			reqMeta.Principal = p
			next.ServeHTTP(w, r)
		})
	}
}
