package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pliu/duet/internal/auth"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// CookieName is the cookie login sets for browser clients.
const CookieName = "access_token"

// TokenValidator turns an access token into its claims.
type TokenValidator interface {
	Validate(token string) (*auth.CustomClaims, error)
}

// AuthMiddleware rejects requests without a valid access token and stores
// the caller's user id in the request context.
func AuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Validate(raw)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest looks for a token in the Authorization header, then the
// "token" query parameter (browsers cannot set headers on a websocket
// handshake), then the access_token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func UserIDFromContext(ctx context.Context) (int, bool) {
	userID, ok := ctx.Value(UserIDKey).(int)
	return userID, ok && userID > 0
}
