package handler

import (
	"net/http"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/wire"
)

// SystemHandler принимает служебные сообщения от соседних сервисов (внутренняя сеть).
type SystemHandler struct {
	chat *service.ChatService
	hub  Broadcaster
}

func NewSystemHandler(chat *service.ChatService, hub Broadcaster) *SystemHandler {
	return &SystemHandler{chat: chat, hub: hub}
}

func (h *SystemHandler) Post(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := wire.DecodeSystemMessage(body)
	if err != nil {
		writeAppError(w, r, "system.Post", err)
		return
	}
	m, ch, err := h.chat.PostSystemMessage(r.Context(), req.ChannelKey, req.TextHTML)
	if err != nil {
		writeAppError(w, r, "system.Post", err)
		return
	}
	logger.Ctx(r.Context()).Info().Str("channel", ch.Key).Str("message", m.ID).Msg("system message posted")
	h.hub.PublishMessage(r.Context(), ch, m, "", "system", nil)
	writeJSON(w, http.StatusCreated, wire.NewMessageView(m, ch.Key))
}
