package handler

import (
	"context"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/ws"
)

// Broadcaster — часть шлюза, которой REST сообщает об изменениях.
type Broadcaster interface {
	BroadcastToRoom(key string, msg ws.OutgoingMessage)
	SendToUser(userID string, msg ws.OutgoingMessage)
	PublishMessage(ctx context.Context, ch *model.Channel, m *model.Message, tempID, source string, origin *ws.Client)
	PresenceSnapshot(ctx context.Context) (map[string]string, error)
	EvictUser(key, userID string)
	EvictRoom(key string)
	EvictOutsiders(ctx context.Context, ch *model.Channel)
}

var _ Broadcaster = (*ws.Hub)(nil)
