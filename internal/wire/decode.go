// Package wire переводит JSON клиентов (сокет и REST) в типизированные события и обратно.
// Старые клиенты шлют поля в camelCase и snake_case, текст как text/text_html/textHtml,
// зашифрованное содержимое строкой или объектом; всё это принимается только здесь.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/model"
)

// Типы входящих событий сокета.
const (
	TypeJoin         = "chat:join"
	TypeLeave        = "chat:leave"
	TypeMessage      = "chat:message"
	TypeEdit         = "chat:edit"
	TypeDelete       = "chat:delete"
	TypeReaction     = "chat:reaction"
	TypeTyping       = "chat:typing"
	TypeRead         = "chat:read"
	TypeHuddleStart  = "huddle:start"
	TypeHuddleEnd    = "huddle:end"
	TypeHuddleSignal = "huddle:signal"
	TypePresenceSet  = "presence:set"
)

// Event — одно из событий ниже; конкретный тип определяется полем type конверта.
type Event interface {
	EventType() string
}

type JoinEvent struct{ ChannelKey string }
type LeaveEvent struct{ ChannelKey string }

type MessageEvent struct {
	ChannelKey  string
	Content     model.Content
	Attachments []model.Attachment
	TempID      string
	ParentID    string
}

type EditEvent struct {
	ChannelKey string
	MessageID  string
	Content    model.Content
}

type DeleteEvent struct {
	ChannelKey string
	MessageID  string
}

type ReactionEvent struct {
	ChannelKey string
	MessageID  string
	Emoji      string
	Action     string
}

type TypingEvent struct {
	ChannelKey string
	IsTyping   bool
}

type ReadEvent struct {
	ChannelKey string
	MessageID  string
	At         time.Time
}

type HuddleStartEvent struct {
	ChannelKey string
	HuddleID   string
}

type HuddleEndEvent struct {
	ChannelKey string
	HuddleID   string
}

type HuddleSignalEvent struct {
	ChannelKey   string
	TargetUserID string
	HuddleID     string
	Data         json.RawMessage
}

type PresenceEvent struct{ Status string }

func (JoinEvent) EventType() string         { return TypeJoin }
func (LeaveEvent) EventType() string        { return TypeLeave }
func (MessageEvent) EventType() string      { return TypeMessage }
func (EditEvent) EventType() string         { return TypeEdit }
func (DeleteEvent) EventType() string       { return TypeDelete }
func (ReactionEvent) EventType() string     { return TypeReaction }
func (TypingEvent) EventType() string       { return TypeTyping }
func (ReadEvent) EventType() string         { return TypeRead }
func (HuddleStartEvent) EventType() string  { return TypeHuddleStart }
func (HuddleEndEvent) EventType() string    { return TypeHuddleEnd }
func (HuddleSignalEvent) EventType() string { return TypeHuddleSignal }
func (PresenceEvent) EventType() string     { return TypePresenceSet }

// fields — payload как набор сырых полей; scalar — payload-строка ("general").
type fields struct {
	m      map[string]json.RawMessage
	scalar string
}

func parseFields(raw json.RawMessage) (fields, error) {
	raw = bytes.TrimSpace(raw)
	f := fields{m: map[string]json.RawMessage{}}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return f, nil
	}
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &f.scalar); err != nil {
			return f, apperr.Validation("malformed payload")
		}
		return f, nil
	case '{':
		if err := json.Unmarshal(raw, &f.m); err != nil {
			return f, apperr.Validation("malformed payload")
		}
		return f, nil
	default:
		return f, apperr.Validation("payload must be an object or a string")
	}
}

// str возвращает первое непустое строковое (или числовое) значение из keys.
func (f fields) str(keys ...string) string {
	for _, k := range keys {
		v, ok := f.m[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func (f fields) boolean(def bool, keys ...string) bool {
	for _, k := range keys {
		v, ok := f.m[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return b
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if parsed, err := strconv.ParseBool(s); err == nil {
				return parsed
			}
		}
	}
	return def
}

func (f fields) raw(keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := f.m[k]; ok && len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}

func (f fields) channel() string {
	if f.scalar != "" {
		return strings.TrimSpace(f.scalar)
	}
	return f.str("channelId", "channel_id", "channelKey", "channel_key", "channel")
}

func (f fields) content() model.Content {
	c := model.Content{TextHTML: f.str("text", "text_html", "textHtml", "content")}
	senderKey := f.str("senderPublicKey", "sender_public_key")
	fallback := f.str("fallbackText", "fallback_text")
	if enc := f.raw("encrypted", "encryptedJson", "encrypted_json"); enc != nil {
		env := decodeEnvelope(enc)
		if env.SenderPublicKey == "" {
			env.SenderPublicKey = senderKey
		}
		if env.FallbackText == "" {
			env.FallbackText = fallback
		}
		if env.EncryptedJSON != "" {
			c.Encrypted = &env
		}
	}
	return c
}

// decodeEnvelope принимает строку с шифротекстом, объект-конверт
// {encryptedJson, senderPublicKey, fallbackText} или сам шифротекст-объект.
func decodeEnvelope(raw json.RawMessage) model.Envelope {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return model.Envelope{EncryptedJSON: s}
	}
	inner, err := parseFields(raw)
	if err != nil || len(inner.m) == 0 {
		return model.Envelope{}
	}
	env := model.Envelope{
		EncryptedJSON:   inner.str("encryptedJson", "encrypted_json", "ciphertext"),
		SenderPublicKey: inner.str("senderPublicKey", "sender_public_key"),
		FallbackText:    inner.str("fallbackText", "fallback_text"),
	}
	if env.EncryptedJSON == "" {
		if nested := inner.raw("encryptedJson", "encrypted_json", "ciphertext"); nested != nil {
			env.EncryptedJSON = string(nested)
		} else {
			env.EncryptedJSON = string(raw)
		}
	}
	return env
}

type attachmentIn struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	FileName      string `json:"fileName"`
	FileNameSnake string `json:"file_name"`
	Size          int64  `json:"size"`
	MimeType      string `json:"mimeType"`
	MimeTypeSnake string `json:"mime_type"`
	Type          string `json:"type"`
}

func (f fields) attachments() ([]model.Attachment, error) {
	raw := f.raw("attachments", "files")
	if raw == nil {
		return nil, nil
	}
	var in []attachmentIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apperr.Validation("attachments must be an array of objects")
	}
	out := make([]model.Attachment, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			return nil, apperr.Validation("attachment url is required")
		}
		out = append(out, model.Attachment{
			URL:      a.URL,
			Name:     firstNonEmpty(a.Name, a.FileName, a.FileNameSnake),
			Size:     a.Size,
			MimeType: firstNonEmpty(a.MimeType, a.MimeTypeSnake, a.Type),
		})
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func missing(field string) error {
	return apperr.Validation(field + " is required")
}

var presenceStatuses = map[string]struct{}{
	model.PresenceOnline:  {},
	model.PresenceAway:    {},
	model.PresenceBusy:    {},
	model.PresenceOffline: {},
}

// Decode разбирает конверт {"type", "payload"}. Если payload отсутствует,
// поля берутся с верхнего уровня (старый плоский формат).
func Decode(raw []byte) (Event, error) {
	var env struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Validation("malformed event")
	}
	typ := firstNonEmpty(env.Type, env.Event)
	if typ == "" {
		return nil, missing("type")
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = env.Data
	}
	if len(payload) == 0 {
		payload = raw
	}
	return DecodePayload(typ, payload)
}

// DecodePayload строит событие типа typ и проверяет обязательные поля.
func DecodePayload(typ string, payload json.RawMessage) (Event, error) {
	f, err := parseFields(payload)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeJoin, TypeLeave:
		key := f.channel()
		if key == "" {
			return nil, missing("channelId")
		}
		if typ == TypeJoin {
			return JoinEvent{ChannelKey: key}, nil
		}
		return LeaveEvent{ChannelKey: key}, nil

	case TypeMessage:
		return decodeMessage(f)

	case TypeEdit:
		ev := EditEvent{ChannelKey: f.channel(), MessageID: f.str("messageId", "message_id", "id"), Content: f.content()}
		switch {
		case ev.ChannelKey == "":
			return nil, missing("channelId")
		case ev.MessageID == "":
			return nil, missing("messageId")
		case ev.Content.IsEmpty():
			return nil, missing("text")
		}
		return ev, nil

	case TypeDelete:
		ev := DeleteEvent{ChannelKey: f.channel(), MessageID: f.str("messageId", "message_id", "id")}
		if ev.ChannelKey == "" {
			return nil, missing("channelId")
		}
		if ev.MessageID == "" {
			return nil, missing("messageId")
		}
		return ev, nil

	case TypeReaction:
		ev := ReactionEvent{
			ChannelKey: f.channel(),
			MessageID:  f.str("messageId", "message_id"),
			Emoji:      f.str("emoji", "reaction"),
			Action:     strings.ToLower(f.str("action")),
		}
		if ev.Action == "" {
			ev.Action = "add"
		}
		switch {
		case ev.ChannelKey == "":
			return nil, missing("channelId")
		case ev.MessageID == "":
			return nil, missing("messageId")
		case ev.Emoji == "":
			return nil, missing("emoji")
		case ev.Action != "add" && ev.Action != "remove":
			return nil, apperr.Validation("action must be add or remove")
		}
		return ev, nil

	case TypeTyping:
		ev := TypingEvent{ChannelKey: f.channel(), IsTyping: f.boolean(true, "isTyping", "is_typing", "typing")}
		if ev.ChannelKey == "" {
			return nil, missing("channelId")
		}
		return ev, nil

	case TypeRead:
		ev := ReadEvent{ChannelKey: f.channel(), MessageID: f.str("messageId", "message_id"), At: time.Now().UTC()}
		if ev.ChannelKey == "" {
			return nil, missing("channelId")
		}
		if at := f.str("at", "readAt", "read_at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return nil, apperr.Validation("at must be an RFC3339 timestamp")
			}
			ev.At = t.UTC()
		}
		return ev, nil

	case TypeHuddleStart, TypeHuddleEnd:
		key := f.channel()
		id := f.str("huddleId", "huddle_id")
		if key == "" {
			return nil, missing("channelId")
		}
		if typ == TypeHuddleStart {
			return HuddleStartEvent{ChannelKey: key, HuddleID: id}, nil
		}
		if id == "" {
			return nil, missing("huddleId")
		}
		return HuddleEndEvent{ChannelKey: key, HuddleID: id}, nil

	case TypeHuddleSignal:
		ev := HuddleSignalEvent{
			ChannelKey:   f.channel(),
			TargetUserID: f.str("targetUserId", "target_user_id", "to"),
			HuddleID:     f.str("huddleId", "huddle_id"),
			Data:         f.raw("data", "signal"),
		}
		switch {
		case ev.ChannelKey == "":
			return nil, missing("channelId")
		case ev.TargetUserID == "":
			return nil, missing("targetUserId")
		case ev.Data == nil:
			return nil, missing("data")
		}
		return ev, nil

	case TypePresenceSet:
		status := strings.ToLower(firstNonEmpty(strings.TrimSpace(f.scalar), f.str("status")))
		if status == "" {
			return nil, missing("status")
		}
		if _, ok := presenceStatuses[status]; !ok {
			return nil, apperr.Validation("unknown presence status " + strconv.Quote(status))
		}
		return PresenceEvent{Status: status}, nil
	}
	return nil, apperr.Validation("unknown event type " + strconv.Quote(typ))
}

func decodeMessage(f fields) (MessageEvent, error) {
	atts, err := f.attachments()
	if err != nil {
		return MessageEvent{}, err
	}
	ev := MessageEvent{
		ChannelKey:  f.channel(),
		Content:     f.content(),
		Attachments: atts,
		TempID:      f.str("tempId", "temp_id", "clientId"),
		ParentID:    f.str("parentId", "parent_id", "threadId"),
	}
	if ev.ChannelKey == "" {
		return MessageEvent{}, missing("channelId")
	}
	if ev.Content.IsEmpty() && len(ev.Attachments) == 0 {
		return MessageEvent{}, missing("text or encrypted")
	}
	return ev, nil
}

// DecodeMessage разбирает тело POST /chat (тот же формат, что chat:message).
func DecodeMessage(body []byte) (MessageEvent, error) {
	f, err := parseFields(body)
	if err != nil {
		return MessageEvent{}, err
	}
	return decodeMessage(f)
}

type CreateChannelRequest struct {
	Key       string
	Name      string
	Type      model.ChannelType
	IsPrivate bool
}

func DecodeCreateChannel(body []byte) (CreateChannelRequest, error) {
	f, err := parseFields(body)
	if err != nil {
		return CreateChannelRequest{}, err
	}
	req := CreateChannelRequest{
		Key:       f.str("key", "channelKey", "channel_key"),
		Name:      f.str("name"),
		IsPrivate: f.boolean(false, "isPrivate", "is_private", "private"),
	}
	if t := f.str("type", "channelType", "channel_type"); t != "" {
		ct, ok := model.ParseChannelType(t)
		if !ok {
			return CreateChannelRequest{}, apperr.Validation("type must be channel, dm or thread")
		}
		req.Type = ct
	}
	if req.Key == "" && req.Name == "" {
		return CreateChannelRequest{}, missing("name")
	}
	return req, nil
}

// DecodeUserRef разбирает {"userId": "..."} для операций с участниками и админами.
func DecodeUserRef(body []byte) (string, error) {
	f, err := parseFields(body)
	if err != nil {
		return "", err
	}
	id := firstNonEmpty(strings.TrimSpace(f.scalar), f.str("userId", "user_id", "id"))
	if id == "" {
		return "", missing("userId")
	}
	return id, nil
}

func DecodePrivacy(body []byte) (bool, error) {
	f, err := parseFields(body)
	if err != nil {
		return false, err
	}
	if f.raw("isPrivate", "is_private", "private") == nil {
		return false, missing("isPrivate")
	}
	return f.boolean(false, "isPrivate", "is_private", "private"), nil
}

type SystemMessageRequest struct {
	ChannelKey string
	TextHTML   string
}

func DecodeSystemMessage(body []byte) (SystemMessageRequest, error) {
	f, err := parseFields(body)
	if err != nil {
		return SystemMessageRequest{}, err
	}
	req := SystemMessageRequest{
		ChannelKey: f.str("channelKey", "channel_key", "channelId", "channel_id", "channel"),
		TextHTML:   f.str("text", "text_html", "textHtml"),
	}
	if req.ChannelKey == "" {
		return req, missing("channelKey")
	}
	if req.TextHTML == "" {
		return req, missing("text")
	}
	return req, nil
}
