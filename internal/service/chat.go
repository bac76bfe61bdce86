// Package service содержит правила доступа к каналам чата поверх хранилищ.
// Используется и REST-обработчиками, и realtime-шлюзом, чтобы правила совпадали.
package service

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/model"
)

const (
	DefaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

var (
	ErrPrivateChannel = apperr.Forbidden("private channel: membership required")
	ErrNotManager     = apperr.Forbidden("only channel admins or the creator may manage this channel")

	// ErrHuddleNotStarted — хранилище не создало звонок и не вернуло активный.
	ErrHuddleNotStarted = apperr.Validation("huddle could not be started")
)

type Options struct {
	HistoryLimit int
	SystemUserID string
}

type ChatService struct {
	channels ChannelStore
	messages MessageStore
	huddles  HuddleStore
	users    UserDirectory
	opts     Options
}

func NewChatService(channels ChannelStore, messages MessageStore, huddles HuddleStore, users UserDirectory, opts Options) *ChatService {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.SystemUserID == "" {
		opts.SystemUserID = "system"
	}
	return &ChatService{channels: channels, messages: messages, huddles: huddles, users: users, opts: opts}
}

// JoinResult — то, что получает подключившийся к каналу сокет.
type JoinResult struct {
	Channel *model.Channel
	History []model.Message
	Huddle  *model.Huddle
}

type PostInput struct {
	ChannelRef  string
	Content     model.Content
	ParentID    string
	Attachments []model.Attachment
}

type CreateChannelInput struct {
	Key       string
	Name      string
	Type      model.ChannelType
	IsPrivate bool
}

func isNotFound(err error) bool {
	return err != nil && apperr.CodeOf(err) == apperr.CodeNotFound
}

// ResolveChannel ищет канал сначала по id, затем по ключу.
func (s *ChatService) ResolveChannel(ctx context.Context, ref string) (*model.Channel, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation("channelId is required")
	}
	c, err := s.channels.GetByID(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return s.channels.GetByKey(ctx, ref)
}

// resolveOrCreate лениво создаёт канал по ключу; создатель становится админом.
func (s *ChatService) resolveOrCreate(ctx context.Context, ref string, actor model.Identity) (*model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err == nil || !isNotFound(err) {
		return c, err
	}
	ref = strings.TrimSpace(ref)
	return s.channels.GetOrCreateByKey(ctx, ref, model.TypeForKey(ref), ref, actor.ID)
}

// CanAccess: публичный канал доступен всем, приватный — участникам, создателю
// и системному пользователю.
// Ошибка проверки трактуется как отказ.
func (s *ChatService) CanAccess(ctx context.Context, c *model.Channel, userID string) bool {
	if !c.IsPrivate || c.CreatedBy == userID || userID == s.opts.SystemUserID {
		return true
	}
	ok, err := s.channels.IsMember(ctx, c.ID, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("channel", c.Key).Str("user", userID).Msg("membership check failed, access denied")
		return false
	}
	if !ok {
		logger.Ctx(ctx).Info().Str("channel", c.Key).Str("user", userID).Msg("private channel access denied")
	}
	return ok
}

// CanManage: менять участников, админов и сам канал могут админы и создатель.
func (s *ChatService) CanManage(ctx context.Context, c *model.Channel, userID string) bool {
	if c.CreatedBy == userID {
		return true
	}
	ok, err := s.channels.IsAdmin(ctx, c.ID, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("channel", c.Key).Str("user", userID).Msg("admin check failed, access denied")
		return false
	}
	if !ok {
		logger.Ctx(ctx).Info().Str("channel", c.Key).Str("user", userID).Msg("channel management denied")
	}
	return ok
}

func (s *ChatService) JoinChannel(ctx context.Context, actor model.Identity, ref string) (*JoinResult, error) {
	c, err := s.resolveOrCreate(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, ErrPrivateChannel
	}
	if err := s.channels.EnsureMember(ctx, c.ID, actor.ID); err != nil {
		return nil, err
	}
	history, err := s.messages.GetRecent(ctx, c.ID, s.opts.HistoryLimit, c.Key)
	if err != nil {
		return nil, err
	}
	h, err := s.huddles.GetActive(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Channel: c, History: history, Huddle: h}, nil
}

// PostMessage проверяет доступ, записывает автора в участники и сохраняет сообщение.
func (s *ChatService) PostMessage(ctx context.Context, actor model.Identity, in PostInput) (*model.Message, *model.Channel, error) {
	if strings.TrimSpace(in.ChannelRef) == "" {
		return nil, nil, apperr.Validation("channelId is required")
	}
	if in.Content.IsEmpty() && len(in.Attachments) == 0 {
		return nil, nil, apperr.Validation("text or encrypted content is required")
	}
	c, err := s.resolveOrCreate(ctx, in.ChannelRef, actor)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	if err := s.channels.EnsureMember(ctx, c.ID, actor.ID); err != nil {
		return nil, c, err
	}

	m := &model.Message{
		ChannelID:   c.ID,
		UserID:      actor.ID,
		Username:    actor.Username,
		Content:     in.Content,
		Attachments: in.Attachments,
	}
	if in.ParentID != "" {
		parent, err := s.messages.GetByID(ctx, in.ParentID)
		if isNotFound(err) {
			return nil, c, apperr.Validation("parent message not found")
		}
		if err != nil {
			return nil, c, err
		}
		if !belongsTo(parent, c) && c.Key != model.ThreadKey(parent.ID) {
			return nil, c, apperr.Validation("parent message belongs to another channel")
		}
		m.ParentID = &parent.ID
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, c, err
	}
	return m, c, nil
}

// belongsTo учитывает строки, где channel_id хранит ключ канала.
func belongsTo(m *model.Message, c *model.Channel) bool {
	return m.ChannelID == c.ID || m.ChannelID == c.Key
}

// guardedMessage возвращает канал и сообщение, если оба существуют и сообщение из этого канала.
func (s *ChatService) guardedMessage(ctx context.Context, ref, messageID string) (*model.Channel, bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, false, apperr.Validation("messageId is required")
	}
	c, err := s.ResolveChannel(ctx, ref)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err := s.messages.GetByID(ctx, messageID)
	if isNotFound(err) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	return c, belongsTo(m, c), nil
}

// EditMessage возвращает nil без ошибки, если править нечего или нельзя.
func (s *ChatService) EditMessage(ctx context.Context, actor model.Identity, ref, messageID string, content model.Content) (*model.Message, *model.Channel, error) {
	if content.IsEmpty() {
		return nil, nil, apperr.Validation("text or encrypted content is required")
	}
	c, ok, err := s.guardedMessage(ctx, ref, messageID)
	if err != nil || !ok {
		return nil, c, err
	}
	m, err := s.messages.Edit(ctx, messageID, actor.ID, content)
	if err != nil || m == nil {
		return nil, c, err
	}
	if m.Username == "" {
		m.Username = actor.Username
	}
	return m, c, nil
}

// DeleteMessage — мягкое удаление; nil без ошибки, если удалять нечего или нельзя.
func (s *ChatService) DeleteMessage(ctx context.Context, actor model.Identity, ref, messageID string) (*model.Message, *model.Channel, error) {
	c, ok, err := s.guardedMessage(ctx, ref, messageID)
	if err != nil || !ok {
		return nil, c, err
	}
	m, err := s.messages.SoftDelete(ctx, messageID, actor.ID)
	if err != nil || m == nil {
		return nil, c, err
	}
	if m.Username == "" {
		m.Username = actor.Username
	}
	return m, c, nil
}

// History — история для REST; limit <= 0 означает лимит по умолчанию.
func (s *ChatService) History(ctx context.Context, actor model.Identity, ref string, limit int) ([]model.Message, *model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := s.messages.GetRecent(ctx, c.ID, limit, c.Key)
	if err != nil {
		return nil, c, err
	}
	return msgs, c, nil
}

// slugKey превращает имя канала в ключ: "Team Sync" -> "team-sync".
func slugKey(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (s *ChatService) CreateChannel(ctx context.Context, actor model.Identity, in CreateChannelInput) (*model.Channel, error) {
	name := strings.TrimSpace(in.Name)
	key := strings.TrimSpace(in.Key)
	if key == "" {
		key = slugKey(name)
	}
	if key == "" {
		return nil, apperr.Validation("name or key is required")
	}
	if name == "" {
		name = key
	}
	typ := in.Type
	if typ == "" {
		typ = model.TypeForKey(key)
	}
	c := &model.Channel{
		Key:       key,
		Name:      name,
		Type:      typ,
		CreatedBy: actor.ID,
		IsPrivate: in.IsPrivate,
	}
	if err := s.channels.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ChatService) ListChannels(ctx context.Context, actor model.Identity) ([]model.Channel, error) {
	return s.channels.ListForUser(ctx, actor.ID)
}

func (s *ChatService) Members(ctx context.Context, actor model.Identity, ref string) ([]model.ChannelUser, *model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	users, err := s.channels.Members(ctx, c.ID)
	return users, c, err
}

func (s *ChatService) Admins(ctx context.Context, actor model.Identity, ref string) ([]model.ChannelUser, *model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	users, err := s.channels.Admins(ctx, c.ID)
	return users, c, err
}

// managed возвращает канал, если actor может им управлять.
func (s *ChatService) managed(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !s.CanManage(ctx, c, actor.ID) {
		return nil, ErrNotManager
	}
	return c, nil
}

func (s *ChatService) AddMember(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error) {
	c, err := s.managed(ctx, actor, ref, userID)
	if err != nil {
		return nil, err
	}
	return c, s.channels.EnsureMember(ctx, c.ID, userID)
}

// RemoveMember: себя может удалить любой участник, остальных — только админ или создатель.
func (s *ChatService) RemoveMember(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error) {
	if userID == actor.ID {
		return s.Leave(ctx, actor, ref)
	}
	c, err := s.managed(ctx, actor, ref, userID)
	if err != nil {
		return nil, err
	}
	return c, s.channels.RemoveMember(ctx, c.ID, userID)
}

func (s *ChatService) AddAdmin(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error) {
	c, err := s.managed(ctx, actor, ref, userID)
	if err != nil {
		return nil, err
	}
	return c, s.channels.AddAdmin(ctx, c.ID, userID)
}

func (s *ChatService) RemoveAdmin(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error) {
	c, err := s.managed(ctx, actor, ref, userID)
	if err != nil {
		return nil, err
	}
	return c, s.channels.RemoveAdmin(ctx, c.ID, userID)
}

func (s *ChatService) Leave(ctx context.Context, actor model.Identity, ref string) (*model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c, s.channels.RemoveMember(ctx, c.ID, actor.ID)
}

// DeleteChannel удаляет канал со всем содержимым; права проверяет хранилище.
func (s *ChatService) DeleteChannel(ctx context.Context, actor model.Identity, ref string) (*model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.channels.Delete(ctx, c.ID, actor.ID); err != nil {
		if apperr.CodeOf(err) == apperr.CodeForbidden {
			logger.Ctx(ctx).Info().Str("channel", c.Key).Str("user", actor.ID).Msg("channel delete denied")
		}
		return c, err
	}
	return c, nil
}

func (s *ChatService) SetPrivacy(ctx context.Context, actor model.Identity, ref string, isPrivate bool) (*model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !s.CanManage(ctx, c, actor.ID) {
		return nil, ErrNotManager
	}
	if err := s.channels.UpdatePrivacy(ctx, c.ID, isPrivate); err != nil {
		return nil, err
	}
	c.IsPrivate = isPrivate
	return c, nil
}

// OpenDM возвращает личный канал двух пользователей; оба становятся участниками,
// канал скрывается из общего списка.
func (s *ChatService) OpenDM(ctx context.Context, actor model.Identity, otherUserID string) (*model.Channel, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, apperr.Validation("userId is required")
	}
	key := model.DMKey(actor.ID, otherUserID)
	c, err := s.channels.GetOrCreateByKey(ctx, key, model.ChannelTypeDM, key, actor.ID)
	if err != nil {
		return nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, ErrPrivateChannel
	}
	for _, id := range []string{actor.ID, otherUserID} {
		if err := s.channels.EnsureMember(ctx, c.ID, id); err != nil {
			return nil, err
		}
	}
	if !c.IsPrivate {
		if err := s.channels.UpdatePrivacy(ctx, c.ID, true); err != nil {
			return nil, err
		}
		c.IsPrivate = true
	}
	return c, nil
}

// StartHuddle не создаёт второй активный звонок: started=false и текущий звонок.
func (s *ChatService) StartHuddle(ctx context.Context, actor model.Identity, ref, huddleID string) (*model.Huddle, bool, *model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, false, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, false, c, ErrPrivateChannel
	}
	active, err := s.huddles.GetActive(ctx, c.Key)
	if err != nil {
		return nil, false, c, err
	}
	if active != nil {
		return active, false, c, nil
	}
	if huddleID == "" {
		huddleID = uuid.New().String()
	}
	h, created, err := s.huddles.Start(ctx, c.Key, huddleID, actor.ID)
	if err != nil {
		return nil, false, c, err
	}
	if h == nil {
		return nil, false, c, ErrHuddleNotStarted
	}
	return h, created, c, nil
}

// EndHuddle возвращает nil-звонок, если активного звонка с таким id не было.
func (s *ChatService) EndHuddle(ctx context.Context, actor model.Identity, ref, huddleID string) (*model.Huddle, *model.Channel, error) {
	if strings.TrimSpace(huddleID) == "" {
		return nil, nil, apperr.Validation("huddleId is required")
	}
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	h, err := s.huddles.End(ctx, c.Key, huddleID)
	if err != nil {
		return nil, c, err
	}
	return h, c, nil
}

func (s *ChatService) ActiveHuddle(ctx context.Context, actor model.Identity, ref string) (*model.Huddle, *model.Channel, error) {
	c, err := s.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if !s.CanAccess(ctx, c, actor.ID) {
		return nil, c, ErrPrivateChannel
	}
	h, err := s.huddles.GetActive(ctx, c.Key)
	return h, c, err
}

// PostSystemMessage публикует сообщение от системного пользователя в служебный канал,
// создавая его при первом обращении.
func (s *ChatService) PostSystemMessage(ctx context.Context, channelKey, textHTML string) (*model.Message, *model.Channel, error) {
	channelKey = strings.TrimSpace(channelKey)
	if channelKey == "" || strings.TrimSpace(textHTML) == "" {
		return nil, nil, apperr.Validation("channelKey and text are required")
	}
	system := model.Identity{ID: s.opts.SystemUserID, Username: "system", Role: "bot"}
	return s.PostMessage(ctx, system, PostInput{
		ChannelRef: channelKey,
		Content:    model.Content{TextHTML: textHTML},
	})
}

// MemberIDs — адресаты уведомлений о новом сообщении.
func (s *ChatService) MemberIDs(ctx context.Context, c *model.Channel) ([]string, error) {
	return s.channels.MemberIDs(ctx, c.ID)
}

// RecordIdentity сохраняет пользователя из токена в справочник.
func (s *ChatService) RecordIdentity(ctx context.Context, id model.Identity) error {
	return s.users.Upsert(ctx, id)
}

// DisplayNames — id → username; неизвестные id пропускаются.
func (s *ChatService) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	return s.users.Usernames(ctx, ids)
}
