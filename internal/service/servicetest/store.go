// Package servicetest — хранилище чата в памяти для тестов сервиса, шлюза и обработчиков.
package servicetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/repository"
)

type pair struct{ channelID, userID string }

// Store — общее состояние. Channels(), Messages(), Huddles() и Users() возвращают
// реализации соответствующих интерфейсов service поверх него.
type Store struct {
	mu       sync.Mutex
	channels map[string]*model.Channel // id -> channel
	members  map[pair]time.Time
	admins   map[pair]time.Time
	messages []*model.Message
	huddles  []*model.Huddle
	users    map[string]model.Identity
	clock    time.Time

	// FailMembership заставляет IsMember/IsAdmin возвращать ошибку.
	FailMembership error
}

func NewStore() *Store {
	return &Store{
		channels: map[string]*model.Channel{},
		members:  map[pair]time.Time{},
		admins:   map[pair]time.Time{},
		users:    map[string]model.Identity{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// now монотонно растёт, чтобы порядок сообщений был детерминирован.
func (s *Store) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Store) Channels() *Channels { return &Channels{s} }
func (s *Store) Messages() *Messages { return &Messages{s} }
func (s *Store) Huddles() *Huddles   { return &Huddles{s} }
func (s *Store) Users() *Users       { return &Users{s} }

// MessageCount — число строк сообщений в канале (включая удалённые).
func (s *Store) MessageCount(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			n++
		}
	}
	return n
}

// ActiveHuddles — число активных звонков в канале.
func (s *Store) ActiveHuddles(channelKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.huddles {
		if h.ChannelKey == channelKey && h.EndedAt == nil {
			n++
		}
	}
	return n
}

type Channels struct{ s *Store }

func copyChannel(c *model.Channel) *model.Channel {
	cp := *c
	return &cp
}

func (c *Channels) GetByKey(_ context.Context, key string) (*model.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, ch := range c.s.channels {
		if ch.Key == key {
			return copyChannel(ch), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (c *Channels) GetByID(_ context.Context, id string) (*model.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if ch, ok := c.s.channels[id]; ok {
		return copyChannel(ch), nil
	}
	return nil, repository.ErrNotFound
}

func (c *Channels) createLocked(ch *model.Channel) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = c.s.now()
	}
	if ch.Type == "" {
		ch.Type = model.TypeForKey(ch.Key)
	}
	c.s.channels[ch.ID] = copyChannel(ch)
	p := pair{ch.ID, ch.CreatedBy}
	c.s.admins[p] = ch.CreatedAt
	c.s.members[p] = ch.CreatedAt
}

func (c *Channels) Create(_ context.Context, ch *model.Channel) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, existing := range c.s.channels {
		if existing.Key == ch.Key {
			return repository.ErrDuplicateKey
		}
	}
	c.createLocked(ch)
	return nil
}

func (c *Channels) GetOrCreateByKey(_ context.Context, key string, typ model.ChannelType, name, createdBy string) (*model.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, existing := range c.s.channels {
		if existing.Key == key {
			return copyChannel(existing), nil
		}
	}
	if name == "" {
		name = key
	}
	ch := &model.Channel{Key: key, Name: name, Type: typ, CreatedBy: createdBy}
	c.createLocked(ch)
	return copyChannel(ch), nil
}

func (c *Channels) ListForUser(_ context.Context, userID string) ([]model.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]model.Channel, 0, len(c.s.channels))
	for _, ch := range c.s.channels {
		if _, member := c.s.members[pair{ch.ID, userID}]; !ch.IsPrivate || member {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *Channels) UpdatePrivacy(_ context.Context, id string, isPrivate bool) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch, ok := c.s.channels[id]
	if !ok {
		return repository.ErrNotFound
	}
	ch.IsPrivate = isPrivate
	return nil
}

func (c *Channels) Delete(_ context.Context, id, requesterID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch, ok := c.s.channels[id]
	if !ok {
		return repository.ErrNotFound
	}
	if _, admin := c.s.admins[pair{id, requesterID}]; !admin && ch.CreatedBy != requesterID {
		return repository.ErrForbidden
	}
	kept := c.s.messages[:0]
	for _, m := range c.s.messages {
		if m.ChannelID != ch.ID && m.ChannelID != ch.Key {
			kept = append(kept, m)
		}
	}
	c.s.messages = kept
	hk := c.s.huddles[:0]
	for _, h := range c.s.huddles {
		if h.ChannelKey != ch.Key {
			hk = append(hk, h)
		}
	}
	c.s.huddles = hk
	for p := range c.s.members {
		if p.channelID == id {
			delete(c.s.members, p)
		}
	}
	for p := range c.s.admins {
		if p.channelID == id {
			delete(c.s.admins, p)
		}
	}
	delete(c.s.channels, id)
	return nil
}

func (c *Channels) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.FailMembership != nil {
		return false, c.s.FailMembership
	}
	_, ok := c.s.members[pair{channelID, userID}]
	return ok, nil
}

func (c *Channels) IsAdmin(_ context.Context, channelID, userID string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.FailMembership != nil {
		return false, c.s.FailMembership
	}
	_, ok := c.s.admins[pair{channelID, userID}]
	return ok, nil
}

func (c *Channels) EnsureMember(_ context.Context, channelID, userID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	p := pair{channelID, userID}
	if _, ok := c.s.members[p]; !ok {
		c.s.members[p] = c.s.now()
	}
	return nil
}

func (c *Channels) RemoveMember(_ context.Context, channelID, userID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.members, pair{channelID, userID})
	return nil
}

func (c *Channels) AddAdmin(_ context.Context, channelID, userID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	p := pair{channelID, userID}
	if _, ok := c.s.admins[p]; !ok {
		c.s.admins[p] = c.s.now()
	}
	return nil
}

func (c *Channels) RemoveAdmin(_ context.Context, channelID, userID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.admins, pair{channelID, userID})
	return nil
}

func (c *Channels) list(set map[pair]time.Time, channelID string) []model.ChannelUser {
	out := make([]model.ChannelUser, 0, 8)
	for p, at := range set {
		if p.channelID == channelID {
			out = append(out, model.ChannelUser{UserID: p.userID, Username: c.s.users[p.userID].Username, JoinedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (c *Channels) Members(_ context.Context, channelID string) ([]model.ChannelUser, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.list(c.s.members, channelID), nil
}

func (c *Channels) Admins(_ context.Context, channelID string) ([]model.ChannelUser, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.list(c.s.admins, channelID), nil
}

func (c *Channels) MemberIDs(_ context.Context, channelID string) ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	users := c.list(c.s.members, channelID)
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids, nil
}

type Messages struct{ s *Store }

func copyMessage(m *model.Message) *model.Message {
	cp := *m
	return &cp
}

func (ms *Messages) Create(_ context.Context, m *model.Message) error {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	m.ID = uuid.New().String()
	m.CreatedAt = ms.s.now()
	m.UpdatedAt = nil
	m.DeletedAt = nil
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	if m.Attachments == nil {
		m.Attachments = []model.Attachment{}
	}
	ms.s.messages = append(ms.s.messages, copyMessage(m))
	return nil
}

func (ms *Messages) withUsername(m *model.Message) *model.Message {
	cp := copyMessage(m)
	if u, ok := ms.s.users[m.UserID]; ok {
		cp.Username = u.Username
	}
	return cp
}

func (ms *Messages) GetRecent(_ context.Context, channelID string, limit int, keyFallback string) ([]model.Message, error) {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	if keyFallback == "" {
		keyFallback = channelID
	}
	matched := make([]model.Message, 0, limit)
	for _, m := range ms.s.messages {
		if m.ChannelID == channelID || m.ChannelID == keyFallback {
			matched = append(matched, *ms.withUsername(m))
		}
	}
	if limit >= 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (ms *Messages) find(id string) *model.Message {
	for _, m := range ms.s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (ms *Messages) GetByID(_ context.Context, id string) (*model.Message, error) {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	if m := ms.find(id); m != nil {
		return ms.withUsername(m), nil
	}
	return nil, repository.ErrNotFound
}

func (ms *Messages) Edit(_ context.Context, id, userID string, content model.Content) (*model.Message, error) {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	m := ms.find(id)
	if m == nil || m.UserID != userID || m.DeletedAt != nil {
		return nil, nil
	}
	now := ms.s.now()
	m.Content = content
	m.UpdatedAt = &now
	return ms.withUsername(m), nil
}

func (ms *Messages) SoftDelete(_ context.Context, id, userID string) (*model.Message, error) {
	ms.s.mu.Lock()
	defer ms.s.mu.Unlock()
	m := ms.find(id)
	if m == nil || m.UserID != userID || m.DeletedAt != nil {
		return nil, nil
	}
	now := ms.s.now()
	m.DeletedAt = &now
	return ms.withUsername(m), nil
}

type Huddles struct{ s *Store }

func (hs *Huddles) activeLocked(key string) *model.Huddle {
	for _, h := range hs.s.huddles {
		if h.ChannelKey == key && h.EndedAt == nil {
			return h
		}
	}
	return nil
}

func (hs *Huddles) Start(_ context.Context, channelKey, huddleID, startedBy string) (*model.Huddle, bool, error) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	if h := hs.activeLocked(channelKey); h != nil {
		cp := *h
		return &cp, false, nil
	}
	// первичный ключ (channel_key, huddle_id), как в таблице huddles
	for _, h := range hs.s.huddles {
		if h.ChannelKey == channelKey && h.HuddleID == huddleID {
			return nil, false, repository.ErrHuddleIDUsed
		}
	}
	h := &model.Huddle{ChannelKey: channelKey, HuddleID: huddleID, StartedBy: startedBy, StartedAt: hs.s.now()}
	hs.s.huddles = append(hs.s.huddles, h)
	cp := *h
	return &cp, true, nil
}

func (hs *Huddles) GetActive(_ context.Context, channelKey string) (*model.Huddle, error) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	if h := hs.activeLocked(channelKey); h != nil {
		cp := *h
		return &cp, nil
	}
	return nil, nil
}

func (hs *Huddles) End(_ context.Context, channelKey, huddleID string) (*model.Huddle, error) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	h := hs.activeLocked(channelKey)
	if h == nil || h.HuddleID != huddleID {
		return nil, nil
	}
	now := hs.s.now()
	h.EndedAt = &now
	cp := *h
	return &cp, nil
}

type Users struct{ s *Store }

func (u *Users) Upsert(_ context.Context, id model.Identity) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.users[id.ID] = id
	return nil
}

func (u *Users) Usernames(_ context.Context, ids []string) (map[string]string, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if ident, ok := u.s.users[id]; ok {
			out[id] = ident.Username
		}
	}
	return out, nil
}
