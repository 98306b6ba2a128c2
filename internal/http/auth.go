package http

import (
	"context"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/personagate/internal/logging"
)

// Identity headers set by the trusted gateway in front of this service.
const (
	HeaderUserID = "X-User-ID"
	HeaderTier   = "X-Subscription-Tier"
)

// contextKey is used for storing values in request context
type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the caller as resolved by the gateway.
type Identity struct {
	UserID string
	Tier   string
}

// requireIdentity rejects requests without a user ID header
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			L_warn("http: request without identity", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUserID+" header", 0)
			return
		}
		id := Identity{UserID: userID, Tier: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderTier)))}
		next.ServeHTTP(w, r.WithContext(setIdentityInContext(r.Context(), id)))
	})
}

// getIdentity retrieves the caller from request context
func getIdentity(r *http.Request) Identity {
	id, _ := r.Context().Value(identityContextKey).(Identity)
	return id
}

func setIdentityInContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
