package service

import (
	"context"

	"github.com/taskhub/internal/model"
)

// ChannelStore — каналы и их участники/админы (repository.ChannelRepository).
type ChannelStore interface {
	GetByKey(ctx context.Context, key string) (*model.Channel, error)
	GetByID(ctx context.Context, id string) (*model.Channel, error)
	Create(ctx context.Context, c *model.Channel) error
	GetOrCreateByKey(ctx context.Context, key string, typ model.ChannelType, name, createdBy string) (*model.Channel, error)
	ListForUser(ctx context.Context, userID string) ([]model.Channel, error)
	UpdatePrivacy(ctx context.Context, id string, isPrivate bool) error
	Delete(ctx context.Context, id, requesterID string) error

	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	IsAdmin(ctx context.Context, channelID, userID string) (bool, error)
	EnsureMember(ctx context.Context, channelID, userID string) error
	RemoveMember(ctx context.Context, channelID, userID string) error
	AddAdmin(ctx context.Context, channelID, userID string) error
	RemoveAdmin(ctx context.Context, channelID, userID string) error
	Members(ctx context.Context, channelID string) ([]model.ChannelUser, error)
	Admins(ctx context.Context, channelID string) ([]model.ChannelUser, error)
	MemberIDs(ctx context.Context, channelID string) ([]string, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetRecent(ctx context.Context, channelID string, limit int, keyFallback string) ([]model.Message, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	Edit(ctx context.Context, id, userID string, content model.Content) (*model.Message, error)
	SoftDelete(ctx context.Context, id, userID string) (*model.Message, error)
}

type HuddleStore interface {
	Start(ctx context.Context, channelKey, huddleID, startedBy string) (*model.Huddle, bool, error)
	GetActive(ctx context.Context, channelKey string) (*model.Huddle, error)
	End(ctx context.Context, channelKey, huddleID string) (*model.Huddle, error)
}

// UserDirectory — внешний справочник пользователей (только чтение и upsert из токена).
type UserDirectory interface {
	Upsert(ctx context.Context, id model.Identity) error
	Usernames(ctx context.Context, ids []string) (map[string]string, error)
}
