package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/metrics"
	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/storage"
	"github.com/taskhub/internal/wire"
)

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Options struct {
	MaxConns int
	// EventRate/EventBurst — лимит входящих событий на один сокет.
	EventRate  float64
	EventBurst int
	// HandlerTimeout ограничивает обращения к хранилищам на одно событие.
	HandlerTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Second
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // userID → сокеты (персональная комната)
	rooms   map[string]map[*Client]struct{} // ключ канала → сокеты
	total   int

	chat       *service.ChatService
	presence   storage.PresenceStore
	pushClient PushNotifier
	opts       Options

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chat *service.ChatService, presence storage.PresenceStore, pushClient PushNotifier, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		chat:       chat,
		presence:   presence,
		pushClient: pushClient,
		opts:       opts,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	// сокет мог закрыться раньше, чем hub обработал регистрацию
	select {
	case <-c.done:
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.user.ID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.user.ID]; !ok {
		h.clients[c.user.ID] = make(map[*Client]struct{})
	}
	h.clients[c.user.ID][c] = struct{}{}
	h.total++
	firstClient := len(h.clients[c.user.ID]) == 1
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	if firstClient {
		h.setPresence(c.user, model.PresenceOnline)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	registered := false
	lastClient := false
	if clients, ok := h.clients[c.user.ID]; ok {
		if _, exists := clients[c]; exists {
			registered = true
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.user.ID)
				lastClient = true
			}
		}
	}
	// комнаты, где у пользователя не осталось других сокетов
	var left []string
	for _, key := range uniqueRooms(c.rooms) {
		members := h.rooms[key]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
		if !h.userInRoomLocked(c.user.ID, key) {
			left = append(left, key)
		}
	}
	c.rooms = make(map[string]string)
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	if registered {
		metrics.WSConnections.Dec()
	}

	now := time.Now().UTC()
	for _, key := range left {
		h.BroadcastToRoom(key, OutgoingMessage{Type: wire.TypeSystem, Payload: wire.SystemPayload{
			Type: wire.SystemLeave, ChannelID: key, UserID: c.user.ID, Username: c.user.Username, At: now,
		}})
	}
	if lastClient {
		h.setPresence(c.user, model.PresenceOffline)
	}
}

func uniqueRooms(refs map[string]string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, key := range refs {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) userInRoomLocked(userID, key string) bool {
	for c := range h.rooms[key] {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// joinRoom добавляет сокет в комнату канала; ref — то, как клиент назвал канал.
func (h *Hub) joinRoom(c *Client, ch *model.Channel, ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[ch.Key]; !ok {
		h.rooms[ch.Key] = make(map[*Client]struct{})
	}
	h.rooms[ch.Key][c] = struct{}{}
	c.rooms[ch.Key] = ch.Key
	c.rooms[ch.ID] = ch.Key
	if ref != "" {
		c.rooms[ref] = ch.Key
	}
}

// leaveRoom возвращает ключ комнаты, если сокет в ней был.
func (h *Hub) leaveRoom(c *Client, ref string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := c.rooms[ref]
	if !ok {
		return "", false
	}
	h.dropLocked(c, key)
	return key, true
}

// dropLocked убирает сокет из комнаты key со всеми именами канала. Под h.mu.
func (h *Hub) dropLocked(c *Client, key string) {
	for r, k := range c.rooms {
		if k == key {
			delete(c.rooms, r)
		}
	}
	if members, ok := h.rooms[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
}

// evict убирает из комнаты сокеты, для которых match вернул true.
func (h *Hub) evict(key string, match func(c *Client) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.rooms[key] {
		if match(c) {
			h.dropLocked(c, key)
			n++
		}
	}
	return n
}

// EvictUser убирает все сокеты пользователя из комнаты канала: после этого
// они не получают события канала и не могут ретранслировать в него.
func (h *Hub) EvictUser(key, userID string) {
	if n := h.evict(key, func(c *Client) bool { return c.user.ID == userID }); n > 0 {
		logger.Debugf("ws evicted user=%s from room=%s sockets=%d", userID, key, n)
	}
}

// EvictRoom очищает комнату удалённого канала.
func (h *Hub) EvictRoom(key string) {
	h.evict(key, func(*Client) bool { return true })
}

// EvictOutsiders убирает из комнаты пользователей, которым канал больше не доступен
// (например, канал стал приватным). Проверки доступа идут без блокировки hub.
func (h *Hub) EvictOutsiders(ctx context.Context, ch *model.Channel) {
	h.mu.RLock()
	users := make(map[string]struct{}, len(h.rooms[ch.Key]))
	for c := range h.rooms[ch.Key] {
		users[c.user.ID] = struct{}{}
	}
	h.mu.RUnlock()

	for uid := range users {
		if !h.chat.CanAccess(ctx, ch, uid) {
			h.EvictUser(ch.Key, uid)
		}
	}
}

// roomOf — ключ комнаты, если сокет в неё вошёл под любым из имён канала.
func (h *Hub) roomOf(c *Client, ref string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key, ok := c.rooms[ref]
	return key, ok
}

func (h *Hub) setPresence(user model.Identity, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.HandlerTimeout)
	defer cancel()
	var err error
	if status == model.PresenceOffline {
		err = h.presence.ClearPresence(ctx, user.ID)
	} else {
		err = h.presence.SetPresence(ctx, user.ID, status)
	}
	if err != nil {
		logger.Errorf("ws set presence user=%s status=%s: %v", user.ID, status, err)
	}
	h.BroadcastAll(OutgoingMessage{Type: wire.TypePresenceUpdate, Payload: wire.PresencePayload{
		UserID: user.ID, Username: user.Username, Status: status, At: time.Now().UTC(),
	}})
}

// BroadcastToRoom отправляет событие всем сокетам в комнате канала.
func (h *Hub) BroadcastToRoom(key string, msg OutgoingMessage) {
	h.broadcastToRoom(key, msg, nil)
}

func (h *Hub) broadcastToRoom(key string, msg OutgoingMessage, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[key]))
	for c := range h.rooms[key] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// BroadcastAll — всем подключённым сокетам (присутствие).
func (h *Hub) BroadcastAll(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// SendToUser — в персональную комнату пользователя (все его сокеты).
func (h *Hub) SendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PresenceSnapshot — статусы подключённых пользователей; без выставленного статуса — online.
func (h *Hub) PresenceSnapshot(ctx context.Context) (map[string]string, error) {
	stored, err := h.presence.Presence(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, id := range h.OnlineUsers() {
		status := stored[id]
		if status == "" {
			status = model.PresenceOnline
		}
		out[id] = status
	}
	return out, nil
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.user.ID)
		metrics.WSSlowClients.Inc()
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
