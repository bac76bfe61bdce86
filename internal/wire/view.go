package wire

import (
	"encoding/json"
	"time"

	"github.com/taskhub/internal/model"
)

// Типы исходящих событий сокета.
const (
	TypeHistory        = "chat:history"
	TypeSystem         = "chat:system"
	TypeMessageEdited  = "chat:messageEdited"
	TypeMessageDeleted = "chat:messageDeleted"
	TypeError          = "chat:error"
	TypeJoinDenied     = "chat:join:denied"
	TypeHuddleStarted  = "huddle:started"
	TypeHuddleEnded    = "huddle:ended"
	TypeHuddleActive   = "huddle:active"
	TypePresenceUpdate = "presence:update"
	TypeMemberAdded    = "chat:memberAdded"
	TypeMemberRemoved  = "chat:memberRemoved"
	TypeChannelDeleted = "chat:channelDeleted"
	TypeChannelUpdated = "chat:channelUpdated"
)

// Подтипы chat:system.
const (
	SystemJoin  = "join"
	SystemLeave = "leave"
)

// MessageView — единственная форма сообщения для клиентов (сокет и REST).
// channelId здесь — ключ канала, по нему клиенты адресуют комнаты.
type MessageView struct {
	ID              string              `json:"id"`
	ChannelID       string              `json:"channelId"`
	UserID          string              `json:"userId"`
	Username        string              `json:"username"`
	Text            string              `json:"text"`
	EncryptedJSON   string              `json:"encryptedJson,omitempty"`
	SenderPublicKey string              `json:"senderPublicKey,omitempty"`
	FallbackText    string              `json:"fallbackText,omitempty"`
	ParentID        *string             `json:"parentId"`
	Reactions       map[string][]string `json:"reactions"`
	Attachments     []model.Attachment  `json:"attachments"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       *time.Time          `json:"updatedAt"`
	DeletedAt       *time.Time          `json:"deletedAt"`
	TempID          string              `json:"tempId,omitempty"`
}

// NewMessageView скрывает содержимое удалённых сообщений; в базе текст остаётся.
func NewMessageView(m *model.Message, channelKey string) MessageView {
	v := MessageView{
		ID:          m.ID,
		ChannelID:   channelKey,
		UserID:      m.UserID,
		Username:    m.Username,
		ParentID:    m.ParentID,
		Reactions:   m.Reactions,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		DeletedAt:   m.DeletedAt,
	}
	if v.Reactions == nil {
		v.Reactions = map[string][]string{}
	}
	if v.Attachments == nil {
		v.Attachments = []model.Attachment{}
	}
	if m.IsDeleted() {
		return v
	}
	v.Text = m.Content.TextHTML
	if e := m.Content.Encrypted; e != nil {
		v.EncryptedJSON = e.EncryptedJSON
		v.SenderPublicKey = e.SenderPublicKey
		v.FallbackText = e.FallbackText
	}
	return v
}

func NewMessageViews(msgs []model.Message, channelKey string) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, NewMessageView(&msgs[i], channelKey))
	}
	return out
}

type ChannelView struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Type      model.ChannelType `json:"type"`
	CreatedBy string            `json:"createdBy"`
	IsPrivate bool              `json:"isPrivate"`
	CreatedAt time.Time         `json:"createdAt"`
}

func NewChannelView(c *model.Channel) ChannelView {
	return ChannelView{
		ID:        c.ID,
		Key:       c.Key,
		Name:      c.Name,
		Type:      c.Type,
		CreatedBy: c.CreatedBy,
		IsPrivate: c.IsPrivate,
		CreatedAt: c.CreatedAt,
	}
}

func NewChannelViews(list []model.Channel) []ChannelView {
	out := make([]ChannelView, 0, len(list))
	for i := range list {
		out = append(out, NewChannelView(&list[i]))
	}
	return out
}

type ChannelUserView struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Since    time.Time `json:"since"`
}

func NewChannelUserViews(users []model.ChannelUser) []ChannelUserView {
	out := make([]ChannelUserView, 0, len(users))
	for _, u := range users {
		out = append(out, ChannelUserView{UserID: u.UserID, Username: u.Username, Since: u.JoinedAt})
	}
	return out
}

type HuddleView struct {
	ChannelID     string     `json:"channelId"`
	HuddleID      string     `json:"huddleId"`
	StartedBy     string     `json:"startedBy"`
	StartedByName string     `json:"startedByName,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

func NewHuddleView(h *model.Huddle) HuddleView {
	return HuddleView{
		ChannelID: h.ChannelKey,
		HuddleID:  h.HuddleID,
		StartedBy: h.StartedBy,
		StartedAt: h.StartedAt,
		EndedAt:   h.EndedAt,
	}
}

type HistoryPayload struct {
	ChannelID string        `json:"channelId"`
	Channel   ChannelView   `json:"channel"`
	Messages  []MessageView `json:"messages"`
}

type SystemPayload struct {
	Type      string    `json:"type"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	At        time.Time `json:"at"`
}

type ErrorPayload struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	TempID    string `json:"tempId,omitempty"`
}

type ReactionPayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type TypingPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"isTyping"`
}

type ReadPayload struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId,omitempty"`
	At        time.Time `json:"at"`
}

type SignalPayload struct {
	ChannelID  string          `json:"channelId"`
	HuddleID   string          `json:"huddleId"`
	FromUserID string          `json:"fromUserId"`
	FromName   string          `json:"fromUsername"`
	Data       json.RawMessage `json:"data"`
}

type PresencePayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

type MembershipPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	ActorID   string `json:"actorId"`
	IsLeave   bool   `json:"isLeave,omitempty"`
}

type ChannelDeletedPayload struct {
	ChannelID string `json:"channelId"`
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
}
