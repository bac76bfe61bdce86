// Package push отправляет Web Push участникам канала без открытого сокета.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/metrics"
	"github.com/taskhub/internal/storage"
)

const (
	sendTimeout = 10 * time.Second
	pushTTL     = 30
)

// Sender рассылает уведомления по подпискам из хранилища. Без ключей VAPID
// подписки сохраняются, но отправка не выполняется.
type Sender struct {
	subs  storage.PushSubscriptionStore
	keys  *VAPIDKeys
	opts  *webpush.Options
	httpc *http.Client
}

func NewSender(subs storage.PushSubscriptionStore, keys *VAPIDKeys, subscriber string) *Sender {
	s := &Sender{subs: subs, keys: keys, httpc: &http.Client{Timeout: sendTimeout}}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             pushTTL,
			HTTPClient:      s.httpc,
		}
	}
	return s
}

func (s *Sender) Enabled() bool { return s != nil && s.opts != nil }

// PublicKey — ключ для подписки в браузере; пустой, если пуши выключены.
func (s *Sender) PublicKey() string {
	if !s.Enabled() {
		return ""
	}
	return s.keys.PublicKey
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify отправляет пуш на все подписки пользователя. Подписки, на которые
// сервис ответил 404/410, удаляются.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !s.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	subs, err := s.subs.PushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: load subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push: encode payload: %v", err)
		return
	}
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.opts)
		if err != nil {
			metrics.PushSent.WithLabelValues("error").Inc()
			logger.Errorf("push: send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			if err := s.subs.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: remove expired subscription user=%s: %v", userID, err)
			}
		case resp.StatusCode >= 300:
			metrics.PushSent.WithLabelValues("rejected").Inc()
			logger.Warnf("push: %s answered %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			metrics.PushSent.WithLabelValues("ok").Inc()
		}
	}
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
