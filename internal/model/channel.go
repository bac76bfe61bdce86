package model

import (
	"sort"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelTypeChannel ChannelType = "channel"
	ChannelTypeDM      ChannelType = "dm"
	ChannelTypeThread  ChannelType = "thread"
)

// ParseChannelType принимает и устаревшее "public" как обычный канал.
func ParseChannelType(s string) (ChannelType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "channel", "public":
		return ChannelTypeChannel, true
	case "dm":
		return ChannelTypeDM, true
	case "thread":
		return ChannelTypeThread, true
	}
	return "", false
}

type Channel struct {
	ID        string      `json:"id"`
	Key       string      `json:"key"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	CreatedBy string      `json:"created_by"`
	IsPrivate bool        `json:"is_private"`
	CreatedAt time.Time   `json:"created_at"`
}

// ChannelUser — участник или админ канала с отображаемым именем.
type ChannelUser struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

const (
	dmKeyPrefix     = "dm:"
	threadKeyPrefix = "thread:"
)

// DMKey строит ключ личного канала; порядок участников не важен.
func DMKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return dmKeyPrefix + ids[0] + ":" + ids[1]
}

// ThreadKey строит ключ канала треда для родительского сообщения.
func ThreadKey(parentMessageID string) string {
	return threadKeyPrefix + parentMessageID
}

// TypeForKey определяет тип лениво создаваемого канала по соглашению о ключах.
func TypeForKey(key string) ChannelType {
	switch {
	case strings.HasPrefix(key, dmKeyPrefix):
		return ChannelTypeDM
	case strings.HasPrefix(key, threadKeyPrefix):
		return ChannelTypeThread
	default:
		return ChannelTypeChannel
	}
}
