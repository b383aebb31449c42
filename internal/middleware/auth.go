package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/alumnichat/internal/auth"
	"github.com/pliu/alumnichat/internal/models"
)

type contextKey string

const UserKey contextKey = "user"

// Resolver turns a bearer token into a user, nil meaning anonymous.
type Resolver interface {
	Resolve(ctx context.Context, token string) *models.User
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the resolved user in the request context.
func AuthMiddleware(resolver Resolver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := resolver.Resolve(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
			if user == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated user, or nil outside
// AuthMiddleware.
func UserFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(UserKey).(*models.User)
	return user
}
