package ws

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/metrics"
	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/wire"
)

const pushBodyMax = 120

// HandleMessage декодирует и выполняет одно событие клиента.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	if !c.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues("ws").Inc()
		h.sendToClient(c, OutgoingMessage{Type: wire.TypeError, Payload: wire.ErrorPayload{
			Error: "too many events", Code: "rate_limited",
		}})
		return
	}

	ctx = logger.WithCorrelationID(ctx, uuid.New().String())
	ev, err := wire.Decode(raw)
	if err != nil {
		metrics.WSEvents.WithLabelValues("invalid", string(apperr.CodeValidation)).Inc()
		h.replyError(ctx, c, err, "", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.HandlerTimeout)
	defer cancel()
	defer logger.DeferLogDuration("ws."+ev.EventType(), time.Now())()

	switch ev := ev.(type) {
	case wire.JoinEvent:
		err = h.handleJoin(ctx, c, ev)
	case wire.LeaveEvent:
		err = h.handleLeave(ctx, c, ev)
	case wire.MessageEvent:
		err = h.handleMessage(ctx, c, ev)
	case wire.EditEvent:
		err = h.handleEdit(ctx, c, ev)
	case wire.DeleteEvent:
		err = h.handleDelete(ctx, c, ev)
	case wire.ReactionEvent:
		h.handleReaction(c, ev)
	case wire.TypingEvent:
		h.handleTyping(c, ev)
	case wire.ReadEvent:
		h.handleRead(c, ev)
	case wire.HuddleStartEvent:
		err = h.handleHuddleStart(ctx, c, ev)
	case wire.HuddleEndEvent:
		err = h.handleHuddleEnd(ctx, c, ev)
	case wire.HuddleSignalEvent:
		h.handleHuddleSignal(c, ev)
	case wire.PresenceEvent:
		h.setPresence(c.user, ev.Status)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
		h.replyError(ctx, c, err, channelOf(ev), tempIDOf(ev))
	}
	metrics.WSEvents.WithLabelValues(ev.EventType(), outcome).Inc()
}

// replyError: not_found — молча; прочие коды отдаются клиенту как chat:error,
// внутренние ошибки логируются и скрываются.
func (h *Hub) replyError(ctx context.Context, c *Client, err error, channelID, tempID string) {
	code := apperr.CodeOf(err)
	switch code {
	case apperr.CodeNotFound:
		logger.Ctx(ctx).Debug().Err(err).Str("user", c.user.ID).Str("channel", channelID).Msg("ws event target not found")
		return
	case apperr.CodeInternal:
		logger.Ctx(ctx).Error().Err(err).Str("user", c.user.ID).Str("channel", channelID).Msg("ws event failed")
	}
	h.sendToClient(c, OutgoingMessage{Type: wire.TypeError, Payload: wire.ErrorPayload{
		Error:     apperr.MessageOf(err),
		Code:      string(code),
		ChannelID: channelID,
		TempID:    tempID,
	}})
}

func channelOf(ev wire.Event) string {
	switch ev := ev.(type) {
	case wire.JoinEvent:
		return ev.ChannelKey
	case wire.LeaveEvent:
		return ev.ChannelKey
	case wire.MessageEvent:
		return ev.ChannelKey
	case wire.EditEvent:
		return ev.ChannelKey
	case wire.DeleteEvent:
		return ev.ChannelKey
	case wire.HuddleStartEvent:
		return ev.ChannelKey
	case wire.HuddleEndEvent:
		return ev.ChannelKey
	}
	return ""
}

func tempIDOf(ev wire.Event) string {
	if m, ok := ev.(wire.MessageEvent); ok {
		return m.TempID
	}
	return ""
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, ev wire.JoinEvent) error {
	res, err := h.chat.JoinChannel(ctx, c.user, ev.ChannelKey)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeForbidden {
			h.sendToClient(c, OutgoingMessage{Type: wire.TypeJoinDenied, Payload: wire.ErrorPayload{
				Error: apperr.MessageOf(err), Code: string(apperr.CodeForbidden), ChannelID: ev.ChannelKey,
			}})
			return nil
		}
		return err
	}
	ch := res.Channel
	h.joinRoom(c, ch, ev.ChannelKey)

	h.sendToClient(c, OutgoingMessage{Type: wire.TypeHistory, Payload: wire.HistoryPayload{
		ChannelID: ch.Key,
		Channel:   wire.NewChannelView(ch),
		Messages:  wire.NewMessageViews(res.History, ch.Key),
	}})
	if res.Huddle != nil {
		h.sendToClient(c, OutgoingMessage{Type: wire.TypeHuddleActive, Payload: h.huddleView(ctx, res.Huddle)})
	}
	h.broadcastToRoom(ch.Key, OutgoingMessage{Type: wire.TypeSystem, Payload: wire.SystemPayload{
		Type: wire.SystemJoin, ChannelID: ch.Key, UserID: c.user.ID, Username: c.user.Username, At: time.Now().UTC(),
	}}, c)
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, ev wire.LeaveEvent) error {
	key, ok := h.leaveRoom(c, ev.ChannelKey)
	if !ok {
		// сокет не входил в комнату: разрешаем ссылку через хранилище
		ch, err := h.chat.ResolveChannel(ctx, ev.ChannelKey)
		if err != nil {
			return err
		}
		if key, ok = h.leaveRoom(c, ch.Key); !ok {
			return nil
		}
	}
	h.BroadcastToRoom(key, OutgoingMessage{Type: wire.TypeSystem, Payload: wire.SystemPayload{
		Type: wire.SystemLeave, ChannelID: key, UserID: c.user.ID, Username: c.user.Username, At: time.Now().UTC(),
	}})
	return nil
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, ev wire.MessageEvent) error {
	m, ch, err := h.chat.PostMessage(ctx, c.user, service.PostInput{
		ChannelRef:  ev.ChannelKey,
		Content:     ev.Content,
		ParentID:    ev.ParentID,
		Attachments: ev.Attachments,
	})
	if err != nil {
		return err
	}
	h.PublishMessage(ctx, ch, m, ev.TempID, "ws", c)
	return nil
}

// PublishMessage рассылает сохранённое сообщение в комнату канала и отправляет
// пуши участникам без открытого сокета. origin получает сообщение, даже если не
// входил в комнату, чтобы подтвердить tempId.
func (h *Hub) PublishMessage(ctx context.Context, ch *model.Channel, m *model.Message, tempID, source string, origin *Client) {
	metrics.MessagesPosted.WithLabelValues(string(ch.Type), source).Inc()
	view := wire.NewMessageView(m, ch.Key)
	view.TempID = tempID
	out := OutgoingMessage{Type: wire.TypeMessage, Payload: view}
	h.BroadcastToRoom(ch.Key, out)
	if origin != nil {
		if _, in := h.roomOf(origin, ch.Key); !in {
			h.sendToClient(origin, out)
		}
	}
	h.notifyOffline(ctx, ch, m)
}

func (h *Hub) notifyOffline(ctx context.Context, ch *model.Channel, m *model.Message) {
	if h.pushClient == nil {
		return
	}
	memberIDs, err := h.chat.MemberIDs(ctx, ch)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("channel", ch.Key).Msg("ws get members for push")
		return
	}
	title := m.Username
	if title == "" {
		title = "New message"
	}
	body := pushBody(m)
	data := map[string]string{"channelId": ch.Key, "messageId": m.ID}
	var offline []string
	for _, uid := range memberIDs {
		if uid != m.UserID && !h.IsOnline(uid) {
			offline = append(offline, uid)
		}
	}
	if len(offline) == 0 {
		return
	}
	// одна горутина на сообщение, пуши уходят последовательно
	pctx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Ctx(pctx).Error().Interface("panic", r).Str("channel", ch.Key).Msg("ws push panic")
			}
		}()
		for _, uid := range offline {
			h.pushClient.Notify(pctx, uid, title, body, data)
		}
	}()
}

// pushBody: шифротекст в пуш не попадает, только fallbackText.
func pushBody(m *model.Message) string {
	body := m.Content.TextHTML
	if e := m.Content.Encrypted; e != nil {
		body = e.FallbackText
	}
	if body == "" {
		if len(m.Attachments) > 0 {
			body = "Attachment"
		} else {
			body = "New message"
		}
	}
	if utf8.RuneCountInString(body) > pushBodyMax {
		runes := []rune(body)
		body = string(runes[:pushBodyMax-3]) + "..."
	}
	return body
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, ev wire.EditEvent) error {
	m, ch, err := h.chat.EditMessage(ctx, c.user, ev.ChannelKey, ev.MessageID, ev.Content)
	if err != nil || m == nil {
		return err
	}
	h.BroadcastToRoom(ch.Key, OutgoingMessage{Type: wire.TypeMessageEdited, Payload: wire.NewMessageView(m, ch.Key)})
	return nil
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, ev wire.DeleteEvent) error {
	m, ch, err := h.chat.DeleteMessage(ctx, c.user, ev.ChannelKey, ev.MessageID)
	if err != nil || m == nil {
		return err
	}
	h.BroadcastToRoom(ch.Key, OutgoingMessage{Type: wire.TypeMessageDeleted, Payload: wire.NewMessageView(m, ch.Key)})
	return nil
}

// Реакции, набор текста и прочтение не сохраняются и пересылаются только
// из комнаты, в которую сокет вошёл.
func (h *Hub) handleReaction(c *Client, ev wire.ReactionEvent) {
	key, ok := h.roomOf(c, ev.ChannelKey)
	if !ok {
		return
	}
	h.BroadcastToRoom(key, OutgoingMessage{Type: wire.TypeReaction, Payload: wire.ReactionPayload{
		ChannelID: key, MessageID: ev.MessageID, Emoji: ev.Emoji, Action: ev.Action,
		UserID: c.user.ID, Username: c.user.Username,
	}})
}

func (h *Hub) handleTyping(c *Client, ev wire.TypingEvent) {
	key, ok := h.roomOf(c, ev.ChannelKey)
	if !ok {
		return
	}
	h.broadcastToRoom(key, OutgoingMessage{Type: wire.TypeTyping, Payload: wire.TypingPayload{
		ChannelID: key, UserID: c.user.ID, Username: c.user.Username, IsTyping: ev.IsTyping,
	}}, c)
}

func (h *Hub) handleRead(c *Client, ev wire.ReadEvent) {
	key, ok := h.roomOf(c, ev.ChannelKey)
	if !ok {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	h.broadcastToRoom(key, OutgoingMessage{Type: wire.TypeRead, Payload: wire.ReadPayload{
		ChannelID: key, UserID: c.user.ID, MessageID: ev.MessageID, At: at,
	}}, c)
}

func (h *Hub) handleHuddleStart(ctx context.Context, c *Client, ev wire.HuddleStartEvent) error {
	hd, started, ch, err := h.chat.StartHuddle(ctx, c.user, ev.ChannelKey, ev.HuddleID)
	if err != nil {
		return err
	}
	if hd == nil {
		return apperr.Validation("huddle could not be started")
	}
	if !started {
		h.sendToClient(c, OutgoingMessage{Type: wire.TypeHuddleActive, Payload: h.huddleView(ctx, hd)})
		return nil
	}
	metrics.HuddlesStarted.Inc()
	view := wire.NewHuddleView(hd)
	view.StartedByName = c.user.Username
	h.BroadcastToRoom(ch.Key, OutgoingMessage{Type: wire.TypeHuddleStarted, Payload: view})
	return nil
}

// handleHuddleEnd оповещает комнату, даже если активного звонка с таким id уже нет.
func (h *Hub) handleHuddleEnd(ctx context.Context, c *Client, ev wire.HuddleEndEvent) error {
	hd, ch, err := h.chat.EndHuddle(ctx, c.user, ev.ChannelKey, ev.HuddleID)
	if err != nil {
		return err
	}
	view := wire.HuddleView{ChannelID: ch.Key, HuddleID: ev.HuddleID}
	if hd != nil {
		view = wire.NewHuddleView(hd)
	} else {
		now := time.Now().UTC()
		view.EndedAt = &now
	}
	h.BroadcastToRoom(ch.Key, OutgoingMessage{Type: wire.TypeHuddleEnded, Payload: view})
	return nil
}

// handleHuddleSignal пересылает WebRTC-сигналинг только адресату.
func (h *Hub) handleHuddleSignal(c *Client, ev wire.HuddleSignalEvent) {
	h.SendToUser(ev.TargetUserID, OutgoingMessage{Type: wire.TypeHuddleSignal, Payload: wire.SignalPayload{
		ChannelID:  ev.ChannelKey,
		HuddleID:   ev.HuddleID,
		FromUserID: c.user.ID,
		FromName:   c.user.Username,
		Data:       ev.Data,
	}})
}

func (h *Hub) huddleView(ctx context.Context, hd *model.Huddle) wire.HuddleView {
	view := wire.NewHuddleView(hd)
	names, err := h.chat.DisplayNames(ctx, []string{hd.StartedBy})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("user", hd.StartedBy).Msg("ws huddle starter name lookup")
		return view
	}
	view.StartedByName = names[hd.StartedBy]
	return view
}
