package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/domain"
)

// TokenValidator — то, что нужно middleware от валидатора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*AgentClaims, error)
}

type ctxKey struct{}

// AgentFromContext возвращает агента, от имени которого пришел запрос.
func AgentFromContext(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*AgentClaims)
	if !ok {
		return "", false
	}
	return claims.AgentID, true
}

// WithAgent кладет claims в контекст (используется и в тестах хендлеров).
func WithAgent(ctx context.Context, claims *AgentClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_kind": string(domain.KindAuthorization),
		"message":    msg,
	})
}
