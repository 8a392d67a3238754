package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/auth"
)

const (
	userIDKey contextKey = "user_id"
	claimsKey contextKey = "claims"
)

// BearerAuth rejects requests without a valid "Authorization: Bearer <jwt>"
// header and stores the token subject on the request context.
func BearerAuth(verifier auth.TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				logger.Info("bearer token rejected",
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.Error(err))
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the subject stored by BearerAuth, or "".
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// RequireScope rejects with 403 requests whose token, verified by an outer
// BearerAuth, lacks scope.
func RequireScope(scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
			if claims == nil || !claims.HasScope(scope) {
				logger.Warn("token lacks required scope",
					zap.String("correlation_id", GetCorrelationID(r.Context())),
					zap.String("user_id", GetUserID(r.Context())),
					zap.String("scope", scope))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "token lacks scope " + scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
