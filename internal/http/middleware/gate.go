package middleware

import (
	"context"
	"net/http"

	"taskbot/internal/access"
	"taskbot/internal/auth"
)

type Authorizer interface {
	Authorize(ctx context.Context, userID int64, action access.Action) (access.Decision, error)
}

// Allow runs after auth.RequireAuth and lets the request through only when
// the caller's role carries action.
func Allow(g Authorizer, action access.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			d, err := g.Authorize(r.Context(), uid, action)
			if err != nil {
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}
			if !d.Allowed {
				http.Error(w, d.Reason, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
