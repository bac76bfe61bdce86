package middleware

import (
	"context"

	"github.com/taskhub/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity кладёт пользователя из токена в контекст (BearerAuth, тесты).
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity возвращает пользователя, установленного BearerAuth.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	v, ok := ctx.Value(identityKey).(model.Identity)
	return v, ok && v.ID != ""
}

func GetUserID(ctx context.Context) string {
	v, _ := GetIdentity(ctx)
	return v.ID
}
