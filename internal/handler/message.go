package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/wire"
)

type MessageHandler struct {
	chat *service.ChatService
	hub  Broadcaster
}

func NewMessageHandler(chat *service.ChatService, hub Broadcaster) *MessageHandler {
	return &MessageHandler{chat: chat, hub: hub}
}

// Post сохраняет сообщение и рассылает его так же, как событие chat:message из сокета.
func (h *MessageHandler) Post(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ev, err := wire.DecodeMessage(body)
	if err != nil {
		writeAppError(w, r, "message.Post", err)
		return
	}
	m, ch, err := h.chat.PostMessage(r.Context(), actor, service.PostInput{
		ChannelRef:  ev.ChannelKey,
		Content:     ev.Content,
		ParentID:    ev.ParentID,
		Attachments: ev.Attachments,
	})
	if err != nil {
		writeAppError(w, r, "message.Post", err)
		return
	}
	h.hub.PublishMessage(r.Context(), ch, m, ev.TempID, "rest", nil)
	view := wire.NewMessageView(m, ch.Key)
	view.TempID = ev.TempID
	writeJSON(w, http.StatusCreated, view)
}

type historyResponse struct {
	ChannelID string             `json:"channelId"`
	Messages  []wire.MessageView `json:"messages"`
}

// History: limit <= 0 — лимит по умолчанию, сверху ограничен сервисом.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	msgs, ch, err := h.chat.History(r.Context(), actor, chi.URLParam(r, "channelId"), queryInt(r, "limit", 0))
	if err != nil {
		writeAppError(w, r, "message.History", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{ChannelID: ch.Key, Messages: wire.NewMessageViews(msgs, ch.Key)})
}
