package handler

import (
	"net/http"

	"github.com/taskhub/internal/config"
)

// PublicKeyer — источник публичного VAPID-ключа.
type PublicKeyer interface {
	Enabled() bool
	PublicKey() string
}

// ConfigHandler отдаёт публичные параметры конфигурации клиенту.
type ConfigHandler struct {
	cfg  *config.Config
	push PublicKeyer
}

func NewConfigHandler(cfg *config.Config, push PublicKeyer) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, push: push}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.push == nil || !h.push.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.push.PublicKey(),
	})
}

// GetHuddleConfig возвращает ICE-серверы для звонков в канале.
func (h *ConfigHandler) GetHuddleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ice_servers": h.cfg.HuddleICEServers,
	})
}
