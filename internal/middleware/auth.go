package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/tripmate/backend/pkg/logger"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

type ctxKey string

const actorKey ctxKey = "actor"

// TokenParser returns the user id carried by a bearer token.
type TokenParser interface {
	Parse(token string) (string, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// user id in the context. Browsers cannot set headers on WebSocket or
// EventSource requests, so the access_token query parameter is accepted too.
func Authenticate(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			actor, err := tokens.Parse(raw)
			if err != nil {
				logger.Debug("auth_rejected", "path", r.URL.Path, "error", err)
				utils.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor returns ctx carrying the authenticated user id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the authenticated user id, "" when absent.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}
