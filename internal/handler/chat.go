package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/wire"
	"github.com/taskhub/internal/ws"
)

// ChatHandler — REST для каналов, участников, админов, личных каналов и звонков.
type ChatHandler struct {
	chat *service.ChatService
	hub  Broadcaster
}

func NewChatHandler(chat *service.ChatService, hub Broadcaster) *ChatHandler {
	return &ChatHandler{chat: chat, hub: hub}
}

func (h *ChatHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	list, err := h.chat.ListChannels(r.Context(), actor)
	if err != nil {
		writeAppError(w, r, "chat.ListChannels", err)
		return
	}
	writeJSON(w, http.StatusOK, wire.NewChannelViews(list))
}

func (h *ChatHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := wire.DecodeCreateChannel(body)
	if err != nil {
		writeAppError(w, r, "chat.CreateChannel", err)
		return
	}
	c, err := h.chat.CreateChannel(r.Context(), actor, service.CreateChannelInput{
		Key:       req.Key,
		Name:      req.Name,
		Type:      req.Type,
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		writeAppError(w, r, "chat.CreateChannel", err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.NewChannelView(c))
}

func (h *ChatHandler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	c, err := h.chat.DeleteChannel(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, "chat.DeleteChannel", err)
		return
	}
	h.hub.BroadcastToRoom(c.Key, ws.OutgoingMessage{
		Type:    wire.TypeChannelDeleted,
		Payload: wire.ChannelDeletedPayload{ChannelID: c.Key, ID: c.ID, ActorID: actor.ID},
	})
	h.hub.EvictRoom(c.Key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SetPrivacy(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	isPrivate, err := wire.DecodePrivacy(body)
	if err != nil {
		writeAppError(w, r, "chat.SetPrivacy", err)
		return
	}
	c, err := h.chat.SetPrivacy(r.Context(), actor, chi.URLParam(r, "id"), isPrivate)
	if err != nil {
		writeAppError(w, r, "chat.SetPrivacy", err)
		return
	}
	if c.IsPrivate {
		h.hub.EvictOutsiders(r.Context(), c)
	}
	view := wire.NewChannelView(c)
	h.hub.BroadcastToRoom(c.Key, ws.OutgoingMessage{Type: wire.TypeChannelUpdated, Payload: view})
	writeJSON(w, http.StatusOK, view)
}

type channelUsersResponse struct {
	ChannelID string                 `json:"channelId"`
	Users     []wire.ChannelUserView `json:"users"`
}

func (h *ChatHandler) Members(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, "chat.Members", h.chat.Members)
}

func (h *ChatHandler) Admins(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, "chat.Admins", h.chat.Admins)
}

type listFn func(ctx context.Context, actor model.Identity, ref string) ([]model.ChannelUser, *model.Channel, error)

func (h *ChatHandler) listUsers(w http.ResponseWriter, r *http.Request, op string, list listFn) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	users, c, err := list(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, channelUsersResponse{ChannelID: c.Key, Users: wire.NewChannelUserViews(users)})
}

// userRef берёт userId из query (DELETE без тела) или из JSON-тела.
func userRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("userId")); id != "" {
		return id, true
	}
	if id := strings.TrimSpace(q.Get("user_id")); id != "" {
		return id, true
	}
	body, ok := readBody(w, r)
	if !ok {
		return "", false
	}
	id, err := wire.DecodeUserRef(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, apperr.MessageOf(err))
		return "", false
	}
	return id, true
}

type changeFn func(ctx context.Context, actor model.Identity, ref, userID string) (*model.Channel, error)

// change выполняет операцию над участником и рассылает событие в комнату канала
// и в личную комнату затронутого пользователя. evict — убрать его сокеты из комнаты.
func (h *ChatHandler) change(w http.ResponseWriter, r *http.Request, op string, fn changeFn, event string, evict bool) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	userID, ok := userRef(w, r)
	if !ok {
		return
	}
	c, err := fn(r.Context(), actor, chi.URLParam(r, "id"), userID)
	if err != nil {
		writeAppError(w, r, op, err)
		return
	}
	payload := wire.MembershipPayload{ChannelID: c.Key, UserID: userID, ActorID: actor.ID, IsLeave: userID == actor.ID}
	if evict {
		h.hub.EvictUser(c.Key, userID)
	}
	if event != "" {
		h.notifyMembership(c, userID, event, payload)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *ChatHandler) notifyMembership(c *model.Channel, userID, event string, payload wire.MembershipPayload) {
	msg := ws.OutgoingMessage{Type: event, Payload: payload}
	h.hub.BroadcastToRoom(c.Key, msg)
	h.hub.SendToUser(userID, msg)
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "chat.AddMember", h.chat.AddMember, wire.TypeMemberAdded, false)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "chat.RemoveMember", h.chat.RemoveMember, wire.TypeMemberRemoved, true)
}

func (h *ChatHandler) AddAdmin(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "chat.AddAdmin", h.chat.AddAdmin, "", false)
}

func (h *ChatHandler) RemoveAdmin(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "chat.RemoveAdmin", h.chat.RemoveAdmin, "", false)
}

func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	c, err := h.chat.Leave(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, "chat.Leave", err)
		return
	}
	payload := wire.MembershipPayload{ChannelID: c.Key, UserID: actor.ID, ActorID: actor.ID, IsLeave: true}
	h.hub.EvictUser(c.Key, actor.ID)
	h.notifyMembership(c, actor.ID, wire.TypeMemberRemoved, payload)
	writeJSON(w, http.StatusOK, payload)
}

type huddleResponse struct {
	ChannelID string           `json:"channelId"`
	Huddle    *wire.HuddleView `json:"huddle"`
}

func (h *ChatHandler) ActiveHuddle(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	hd, c, err := h.chat.ActiveHuddle(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, "chat.ActiveHuddle", err)
		return
	}
	resp := huddleResponse{ChannelID: c.Key}
	if hd != nil {
		view := wire.NewHuddleView(hd)
		if names, err := h.chat.DisplayNames(r.Context(), []string{hd.StartedBy}); err == nil {
			view.StartedByName = names[hd.StartedBy]
		}
		resp.Huddle = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) OpenDM(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity(w, r)
	if !ok {
		return
	}
	other := chi.URLParam(r, "userId")
	c, err := h.chat.OpenDM(r.Context(), actor, other)
	if err != nil {
		writeAppError(w, r, "chat.OpenDM", err)
		return
	}
	if other != actor.ID {
		h.hub.SendToUser(other, ws.OutgoingMessage{
			Type:    wire.TypeMemberAdded,
			Payload: wire.MembershipPayload{ChannelID: c.Key, UserID: other, ActorID: actor.ID},
		})
	}
	writeJSON(w, http.StatusOK, wire.NewChannelView(c))
}

type presenceResponse struct {
	Users map[string]string `json:"users"`
}

func (h *ChatHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	snap, err := h.hub.PresenceSnapshot(r.Context())
	if err != nil {
		writeAppError(w, r, "chat.Presence", err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Users: snap})
}
