package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/metrics"
	"github.com/taskhub/internal/model"
)

type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// IdentityRecorder сохраняет пользователя из токена в справочник (имена в истории).
type IdentityRecorder interface {
	RecordIdentity(ctx context.Context, id model.Identity) error
}

// BearerToken берёт токен из Authorization: Bearer или из ?token= (браузерный WebSocket
// не умеет ставить заголовки).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// BearerAuth пропускает запрос только с валидным JWT; пользователь доступен через GetIdentity.
func BearerAuth(tokens TokenValidator, recorder IdentityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				metrics.AuthDenied.WithLabelValues("missing").Inc()
				writeUnauthorized(w)
				return
			}
			claims, err := tokens.ValidateToken(raw)
			if err != nil {
				metrics.AuthDenied.WithLabelValues("invalid").Inc()
				logger.Ctx(r.Context()).Info().Err(err).Str("token", MaskToken(raw)).Msg("bearer token rejected")
				writeUnauthorized(w)
				return
			}
			id := claims.Identity()
			if recorder != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
				if err := recorder.RecordIdentity(ctx, id); err != nil {
					logger.Ctx(r.Context()).Warn().Err(err).Str("user", id.ID).Msg("record identity")
				}
				cancel()
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
}
