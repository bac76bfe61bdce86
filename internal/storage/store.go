package storage

import (
	"context"

	"github.com/taskhub/internal/model"
)

// Store — эфемерное состояние, которое не живёт в Postgres: статусы присутствия
// и подписки на пуши. Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	PresenceStore
	PushSubscriptionStore
	Close() error
}

type PresenceStore interface {
	SetPresence(ctx context.Context, userID, status string) error
	ClearPresence(ctx context.Context, userID string) error
	// Presence — userID → статус для всех, у кого статус выставлен.
	Presence(ctx context.Context) (map[string]string, error)
}

type PushSubscriptionStore interface {
	AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Лимиты подписок общие для всех реализаций.
const (
	MaxSubscriptionsPerUser = 10
)
