package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/service/servicetest"
	"github.com/taskhub/internal/storage"
	"github.com/taskhub/internal/storage/memory"
	"github.com/taskhub/internal/wire"
)

var (
	alice = model.Identity{ID: "u-a", Username: "alice"}
	bob   = model.Identity{ID: "u-b", Username: "bob"}
	carol = model.Identity{ID: "u-c", Username: "carol"}
)

type fakePush struct {
	calls chan string
}

func (f *fakePush) Notify(_ context.Context, userID, title, body string, data map[string]string) {
	f.calls <- userID + "|" + title + "|" + body + "|" + data["channelId"]
}

type gateway struct {
	hub   *Hub
	srv   *httptest.Server
	chat  *service.ChatService
	store *servicetest.Store
	push  *fakePush
}

func newGateway(t *testing.T, opts Options) *gateway {
	t.Helper()
	return newGatewayWith(t, opts, memory.New())
}

func newGatewayWith(t *testing.T, opts Options, presence storage.PresenceStore) *gateway {
	t.Helper()
	st := servicetest.NewStore()
	chat := service.NewChatService(st.Channels(), st.Messages(), st.Huddles(), st.Users(), service.Options{})
	for _, id := range []model.Identity{alice, bob, carol} {
		require.NoError(t, chat.RecordIdentity(context.Background(), id))
	}
	push := &fakePush{calls: make(chan string, 16)}
	hub := NewHub(chat, presence, push, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := model.Identity{ID: r.URL.Query().Get("id"), Username: r.URL.Query().Get("name")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		client := NewClient(hub, conn, id)
		client.Start(cctx, ccancel)
		hub.Register(client)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &gateway{hub: hub, srv: srv, chat: chat, store: st, push: push}
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type peer struct {
	t    *testing.T
	id   model.Identity
	conn *websocket.Conn
}

func (g *gateway) connect(t *testing.T, id model.Identity) *peer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/?id=" + url.QueryEscape(id.ID) + "&name=" + url.QueryEscape(id.Username)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &peer{t: t, id: id, conn: conn}
	// своё online подтверждает регистрацию в hub
	p.expectFrom(wire.TypePresenceUpdate, id.ID)
	return p
}

func (p *peer) send(typ string, payload any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

func (p *peer) next() envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env envelope
	require.NoError(p.t, p.conn.ReadJSON(&env))
	return env
}

// expect читает до первого события нужного типа и возвращает его payload.
func (p *peer) expect(typ string) json.RawMessage {
	p.t.Helper()
	for {
		env := p.next()
		if env.Type == typ {
			return env.Payload
		}
	}
}

// expectFrom — как expect, но только событие с указанным userId в payload.
func (p *peer) expectFrom(typ, userID string) json.RawMessage {
	p.t.Helper()
	for {
		raw := p.expect(typ)
		var who struct {
			UserID string `json:"userId"`
		}
		require.NoError(p.t, json.Unmarshal(raw, &who))
		if who.UserID == userID {
			return raw
		}
	}
}

// seenUntilSync возвращает типы событий, пришедших до presence:update от sync;
// sync должен быть отправлен после действия, чьи рассылки проверяются.
func (p *peer) seenUntilSync(syncUser string) []string {
	p.t.Helper()
	var seen []string
	for {
		env := p.next()
		if env.Type == wire.TypePresenceUpdate {
			var who struct {
				UserID string `json:"userId"`
				Status string `json:"status"`
			}
			require.NoError(p.t, json.Unmarshal(env.Payload, &who))
			if who.UserID == syncUser && who.Status == model.PresenceBusy {
				return seen
			}
			continue
		}
		seen = append(seen, env.Type)
	}
}

func (p *peer) sync() { p.send(wire.TypePresenceSet, model.PresenceBusy) }

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestJoinAndMessageBroadcast(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	b := g.connect(t, bob)

	a.send(wire.TypeJoin, "general")
	hist := decode[wire.HistoryPayload](t, a.expect(wire.TypeHistory))
	assert.Equal(t, "general", hist.ChannelID)
	assert.Empty(t, hist.Messages)

	b.send(wire.TypeJoin, map[string]string{"channelId": "general"})
	b.expect(wire.TypeHistory)
	sys := decode[wire.SystemPayload](t, a.expect(wire.TypeSystem))
	assert.Equal(t, wire.SystemPayload{Type: wire.SystemJoin, ChannelID: "general", UserID: bob.ID, Username: "bob", At: sys.At}, sys)

	b.send(wire.TypeMessage, map[string]string{"channelId": "general", "text": "<p>hi</p>", "tempId": "t-1"})
	got := decode[wire.MessageView](t, a.expect(wire.TypeMessage))
	assert.Equal(t, "<p>hi</p>", got.Text)
	assert.Equal(t, bob.ID, got.UserID)
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, "general", got.ChannelID)

	echo := decode[wire.MessageView](t, b.expect(wire.TypeMessage))
	assert.Equal(t, "t-1", echo.TempID)
	assert.Equal(t, got.ID, echo.ID)

	// новый участник получает сообщение в истории
	c := g.connect(t, carol)
	c.send(wire.TypeJoin, "general")
	hist = decode[wire.HistoryPayload](t, c.expect(wire.TypeHistory))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, got.ID, hist.Messages[0].ID)
}

func TestPrivateChannelDenied(t *testing.T) {
	g := newGateway(t, Options{})
	ctx := context.Background()
	_, err := g.chat.CreateChannel(ctx, alice, service.CreateChannelInput{Key: "chan:secret:ab12", Name: "secret", IsPrivate: true})
	require.NoError(t, err)

	b := g.connect(t, bob)
	b.send(wire.TypeJoin, "chan:secret:ab12")
	denied := decode[wire.ErrorPayload](t, b.expect(wire.TypeJoinDenied))
	assert.Equal(t, "forbidden", denied.Code)
	assert.Equal(t, "chan:secret:ab12", denied.ChannelID)

	b.send(wire.TypeMessage, map[string]string{"channelId": "chan:secret:ab12", "text": "let me in", "tempId": "t-9"})
	e := decode[wire.ErrorPayload](t, b.expect(wire.TypeError))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "t-9", e.TempID)

	ch, err := g.chat.ResolveChannel(ctx, "chan:secret:ab12")
	require.NoError(t, err)
	assert.Zero(t, g.store.MessageCount(ch.ID))

	// создатель входит без отказа
	a := g.connect(t, alice)
	a.send(wire.TypeJoin, "chan:secret:ab12")
	a.expect(wire.TypeHistory)
}

func TestRemovedMemberLosesPrivateRoom(t *testing.T) {
	g := newGateway(t, Options{})
	ctx := context.Background()
	const key = "chan:secret:ab12"
	_, err := g.chat.CreateChannel(ctx, alice, service.CreateChannelInput{Key: key, Name: "secret", IsPrivate: true})
	require.NoError(t, err)
	_, err = g.chat.AddMember(ctx, alice, key, bob.ID)
	require.NoError(t, err)

	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, key)
		p.expect(wire.TypeHistory)
	}

	_, err = g.chat.RemoveMember(ctx, alice, key, bob.ID)
	require.NoError(t, err)
	g.hub.EvictUser(key, bob.ID)

	a.send(wire.TypeMessage, map[string]string{"channelId": key, "text": "after removal"})
	a.expect(wire.TypeMessage)
	b.send(wire.TypeTyping, map[string]any{"channelId": key, "isTyping": true})
	b.sync()
	a.sync()
	assert.NotContains(t, b.seenUntilSync(alice.ID), wire.TypeMessage)
	assert.NotContains(t, a.seenUntilSync(bob.ID), wire.TypeTyping)

	b.send(wire.TypeJoin, key)
	b.expect(wire.TypeJoinDenied)
}

func TestChannelMadePrivateEvictsOutsiders(t *testing.T) {
	g := newGateway(t, Options{})
	ctx := context.Background()
	_, err := g.chat.CreateChannel(ctx, alice, service.CreateChannelInput{Key: "eng", Name: "eng"})
	require.NoError(t, err)

	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, "eng")
		p.expect(wire.TypeHistory)
	}

	// вход в публичный канал записывает участником; снимаем без выселения
	_, err = g.chat.RemoveMember(ctx, alice, "eng", bob.ID)
	require.NoError(t, err)
	ch, err := g.chat.SetPrivacy(ctx, alice, "eng", true)
	require.NoError(t, err)
	g.hub.EvictOutsiders(ctx, ch)

	a.send(wire.TypeMessage, map[string]string{"channelId": "eng", "text": "members only"})
	a.expect(wire.TypeMessage)
	a.sync()
	assert.NotContains(t, b.seenUntilSync(alice.ID), wire.TypeMessage)

	g.hub.EvictRoom("eng")
	a.send(wire.TypeMessage, map[string]string{"channelId": "eng", "text": "echo only"})
	// отправитель вне комнаты всё равно получает своё сообщение с tempId
	a.expect(wire.TypeMessage)
	a.sync()
	assert.NotContains(t, a.seenUntilSync(alice.ID), wire.TypeMessage)
}

func TestEditByOtherUserIsSilent(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	b := g.connect(t, bob)
	a.send(wire.TypeJoin, "general")
	a.expect(wire.TypeHistory)
	b.send(wire.TypeJoin, "general")
	b.expect(wire.TypeHistory)

	a.send(wire.TypeMessage, map[string]string{"channelId": "general", "text": "original"})
	msg := decode[wire.MessageView](t, b.expect(wire.TypeMessage))
	a.expect(wire.TypeMessage)

	b.send(wire.TypeEdit, map[string]string{"channelId": "general", "messageId": msg.ID, "text": "hacked"})
	b.send(wire.TypeDelete, map[string]string{"channelId": "general", "messageId": msg.ID})
	b.sync()
	seen := a.seenUntilSync(bob.ID)
	assert.NotContains(t, seen, wire.TypeMessageEdited)
	assert.NotContains(t, seen, wire.TypeMessageDeleted)
	assert.NotContains(t, seen, wire.TypeError)

	a.send(wire.TypeEdit, map[string]string{"channelId": "general", "messageId": msg.ID, "text": "fixed"})
	edited := decode[wire.MessageView](t, b.expect(wire.TypeMessageEdited))
	assert.Equal(t, "fixed", edited.Text)
	assert.NotNil(t, edited.UpdatedAt)

	a.send(wire.TypeDelete, map[string]string{"channelId": "general", "messageId": msg.ID})
	deleted := decode[wire.MessageView](t, b.expect(wire.TypeMessageDeleted))
	assert.NotNil(t, deleted.DeletedAt)
	assert.Empty(t, deleted.Text)
}

func TestInvalidEventGetsValidationError(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)

	a.send(wire.TypeMessage, map[string]string{"channelId": "general"})
	e := decode[wire.ErrorPayload](t, a.expect(wire.TypeError))
	assert.Equal(t, "validation", e.Code)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	e = decode[wire.ErrorPayload](t, a.expect(wire.TypeError))
	assert.Equal(t, "validation", e.Code)
}

func TestRelayEvents(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, "general")
		p.expect(wire.TypeHistory)
	}

	b.send(wire.TypeTyping, map[string]any{"channelId": "general", "isTyping": true})
	typing := decode[wire.TypingPayload](t, a.expect(wire.TypeTyping))
	assert.Equal(t, bob.ID, typing.UserID)
	assert.True(t, typing.IsTyping)

	b.send(wire.TypeReaction, map[string]string{"channelId": "general", "messageId": "m1", "emoji": "+1"})
	for _, p := range []*peer{a, b} {
		r := decode[wire.ReactionPayload](t, p.expect(wire.TypeReaction))
		assert.Equal(t, "add", r.Action)
		assert.Equal(t, bob.ID, r.UserID)
	}

	b.send(wire.TypeRead, map[string]string{"channelId": "general", "messageId": "m1"})
	read := decode[wire.ReadPayload](t, a.expect(wire.TypeRead))
	assert.Equal(t, "m1", read.MessageID)

	// отправитель не получает свой typing; вне комнаты ничего не пересылается
	b.send(wire.TypeTyping, map[string]any{"channelId": "general"})
	b.send(wire.TypeTyping, map[string]any{"channelId": "random"})
	b.sync()
	assert.NotContains(t, b.seenUntilSync(bob.ID), wire.TypeTyping)
	assert.Equal(t, []string{wire.TypeTyping}, a.seenUntilSync(bob.ID))
}

func TestHuddleLifecycle(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, "general")
		p.expect(wire.TypeHistory)
	}

	a.send(wire.TypeHuddleStart, map[string]string{"channelId": "general", "huddleId": "h-1"})
	started := decode[wire.HuddleView](t, b.expect(wire.TypeHuddleStarted))
	assert.Equal(t, "h-1", started.HuddleID)
	assert.Equal(t, alice.ID, started.StartedBy)
	assert.Equal(t, "alice", started.StartedByName)
	a.expect(wire.TypeHuddleStarted)

	b.send(wire.TypeHuddleStart, map[string]string{"channelId": "general", "huddleId": "h-2"})
	active := decode[wire.HuddleView](t, b.expect(wire.TypeHuddleActive))
	assert.Equal(t, "h-1", active.HuddleID)
	assert.Equal(t, 1, g.store.ActiveHuddles("general"))

	c := g.connect(t, carol)
	c.send(wire.TypeJoin, "general")
	c.expect(wire.TypeHistory)
	snapshot := decode[wire.HuddleView](t, c.expect(wire.TypeHuddleActive))
	assert.Equal(t, "h-1", snapshot.HuddleID)
	assert.Equal(t, "alice", snapshot.StartedByName)

	b.send(wire.TypeHuddleSignal, map[string]any{"channelId": "general", "huddleId": "h-1", "targetUserId": alice.ID, "data": map[string]string{"sdp": "offer"}})
	sig := decode[wire.SignalPayload](t, a.expect(wire.TypeHuddleSignal))
	assert.Equal(t, bob.ID, sig.FromUserID)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sig.Data))

	a.send(wire.TypeHuddleEnd, map[string]string{"channelId": "general", "huddleId": "h-1"})
	ended := decode[wire.HuddleView](t, c.expect(wire.TypeHuddleEnded))
	assert.Equal(t, "h-1", ended.HuddleID)
	assert.NotNil(t, ended.EndedAt)
	assert.Zero(t, g.store.ActiveHuddles("general"))

	// повторное завершение всё равно оповещает комнату
	a.send(wire.TypeHuddleEnd, map[string]string{"channelId": "general", "huddleId": "h-1"})
	b.expect(wire.TypeHuddleEnded)
}

func TestRestartEndedHuddleID(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	a.send(wire.TypeJoin, "general")
	a.expect(wire.TypeHistory)

	a.send(wire.TypeHuddleStart, map[string]string{"channelId": "general", "huddleId": "h-1"})
	a.expect(wire.TypeHuddleStarted)
	a.send(wire.TypeHuddleEnd, map[string]string{"channelId": "general", "huddleId": "h-1"})
	a.expect(wire.TypeHuddleEnded)

	a.send(wire.TypeHuddleStart, map[string]string{"channelId": "general", "huddleId": "h-1"})
	e := decode[wire.ErrorPayload](t, a.expect(wire.TypeError))
	assert.Equal(t, "validation", e.Code)
	assert.Equal(t, "general", e.ChannelID)
	assert.Zero(t, g.store.ActiveHuddles("general"))

	// сокет жив, новый id проходит
	a.send(wire.TypeHuddleStart, map[string]string{"channelId": "general", "huddleId": "h-2"})
	started := decode[wire.HuddleView](t, a.expect(wire.TypeHuddleStarted))
	assert.Equal(t, "h-2", started.HuddleID)
}

// panickyPresence падает на статусе away.
type panickyPresence struct {
	*memory.Client
}

func (p panickyPresence) SetPresence(ctx context.Context, userID, status string) error {
	if status == model.PresenceAway {
		panic("presence store exploded")
	}
	return p.Client.SetPresence(ctx, userID, status)
}

func TestHandlerPanicClosesOnlyThatSocket(t *testing.T) {
	g := newGatewayWith(t, Options{}, panickyPresence{memory.New()})
	a := g.connect(t, alice)
	b := g.connect(t, bob)

	a.send(wire.TypePresenceSet, model.PresenceAway)
	offline := decode[wire.PresencePayload](t, b.expectFrom(wire.TypePresenceUpdate, alice.ID))
	assert.Equal(t, model.PresenceOffline, offline.Status)

	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			break
		}
	}

	// процесс и остальные сокеты продолжают работать
	b.send(wire.TypeJoin, "general")
	b.expect(wire.TypeHistory)
	assert.False(t, g.hub.IsOnline(alice.ID))
}

func TestDisconnectEmitsLeaveAndOffline(t *testing.T) {
	g := newGateway(t, Options{})
	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, "general")
		p.expect(wire.TypeHistory)
	}
	assert.True(t, g.hub.IsOnline(bob.ID))

	require.NoError(t, b.conn.Close())
	leave := decode[wire.SystemPayload](t, a.expect(wire.TypeSystem))
	for leave.Type != wire.SystemLeave {
		leave = decode[wire.SystemPayload](t, a.expect(wire.TypeSystem))
	}
	assert.Equal(t, bob.ID, leave.UserID)
	assert.Equal(t, "general", leave.ChannelID)

	offline := decode[wire.PresencePayload](t, a.expectFrom(wire.TypePresenceUpdate, bob.ID))
	assert.Equal(t, model.PresenceOffline, offline.Status)
	assert.False(t, g.hub.IsOnline(bob.ID))
	assert.Equal(t, []string{alice.ID}, g.hub.OnlineUsers())
}

func TestPushOnlyForOfflineMembers(t *testing.T) {
	g := newGateway(t, Options{})
	ctx := context.Background()
	dave := model.Identity{ID: "u-d", Username: "dave"}
	for _, id := range []model.Identity{carol, dave} {
		_, err := g.chat.JoinChannel(ctx, id, "general")
		require.NoError(t, err)
	}

	a := g.connect(t, alice)
	b := g.connect(t, bob)
	for _, p := range []*peer{a, b} {
		p.send(wire.TypeJoin, "general")
		p.expect(wire.TypeHistory)
	}

	a.send(wire.TypeMessage, map[string]string{"channelId": "general", "text": "standup in 5"})
	b.expect(wire.TypeMessage)

	select {
	case call := <-g.push.calls:
		assert.Equal(t, carol.ID+"|alice|standup in 5|general", call)
	case <-time.After(3 * time.Second):
		t.Fatal("no push for offline member")
	}
	select {
	case call := <-g.push.calls:
		assert.Equal(t, dave.ID+"|alice|standup in 5|general", call)
	case <-time.After(3 * time.Second):
		t.Fatal("no push for second offline member")
	}
	select {
	case call := <-g.push.calls:
		t.Fatalf("unexpected push %q", call)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventRateLimit(t *testing.T) {
	g := newGateway(t, Options{EventRate: 0.01, EventBurst: 1})
	a := g.connect(t, alice)

	a.send(wire.TypeJoin, "general")
	a.expect(wire.TypeHistory)
	a.send(wire.TypeJoin, "general")
	e := decode[wire.ErrorPayload](t, a.expect(wire.TypeError))
	assert.Equal(t, "rate_limited", e.Code)
}

func TestPushBodyTruncatesAndHidesCiphertext(t *testing.T) {
	long := strings.Repeat("я", 200)
	body := pushBody(&model.Message{Content: model.Content{TextHTML: long}})
	assert.Equal(t, pushBodyMax, len([]rune(body)))
	assert.True(t, strings.HasSuffix(body, "..."))

	enc := &model.Message{Content: model.Content{Encrypted: &model.Envelope{EncryptedJSON: "{}", FallbackText: "[encrypted]"}}}
	assert.Equal(t, "[encrypted]", pushBody(enc))
	assert.Equal(t, "Attachment", pushBody(&model.Message{Attachments: []model.Attachment{{URL: "/f"}}}))
}
