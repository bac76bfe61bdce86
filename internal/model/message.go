package model

import "time"

// Envelope — зашифрованное содержимое; сервер его не расшифровывает.
type Envelope struct {
	EncryptedJSON   string `json:"encrypted_json"`
	SenderPublicKey string `json:"sender_public_key"`
	FallbackText    string `json:"fallback_text"`
}

// Content — текст (готовый HTML) либо конверт E2E.
type Content struct {
	TextHTML  string
	Encrypted *Envelope
}

func (c Content) IsEmpty() bool {
	return c.TextHTML == "" && (c.Encrypted == nil || c.Encrypted.EncryptedJSON == "")
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type Message struct {
	ID          string              `json:"id"`
	ChannelID   string              `json:"channel_id"`
	UserID      string              `json:"user_id"`
	Username    string              `json:"username"`
	Content     Content             `json:"-"`
	ParentID    *string             `json:"parent_id,omitempty"`
	Reactions   map[string][]string `json:"reactions"`
	Attachments []Attachment        `json:"attachments"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   *time.Time          `json:"updated_at,omitempty"`
	DeletedAt   *time.Time          `json:"deleted_at,omitempty"`
}

func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }
