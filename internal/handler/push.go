package handler

import (
	"encoding/json"
	"net/http"

	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/storage"
)

// PushHandler обрабатывает подписку на пуш-уведомления.
type PushHandler struct {
	subs storage.PushSubscriptionStore
}

func NewPushHandler(subs storage.PushSubscriptionStore) *PushHandler {
	return &PushHandler{subs: subs}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription model.PushSubscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, "invalid body")
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.subs.AddPushSubscription(r.Context(), actor.ID, req.Subscription); err != nil {
		writeAppError(w, r, "push.Subscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, "endpoint required")
		return
	}
	if err := h.subs.RemovePushSubscription(r.Context(), actor.ID, req.Endpoint); err != nil {
		writeAppError(w, r, "push.Unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
