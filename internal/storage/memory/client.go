package memory

import (
	"context"
	"sync"
	"time"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/storage"
)

const subscriptionTTL = 30 * 24 * time.Hour

type subItem struct {
	sub model.PushSubscription
	exp time.Time
}

type Client struct {
	mu       sync.RWMutex
	presence map[string]string
	subs     map[string][]subItem
}

var _ storage.Store = (*Client)(nil)

func New() *Client {
	return &Client{
		presence: make(map[string]string),
		subs:     make(map[string][]subItem),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetPresence(ctx context.Context, userID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[userID] = status
	return nil
}

func (c *Client) ClearPresence(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presence, userID)
	return nil
}

func (c *Client) Presence(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.presence))
	for k, v := range c.presence {
		out[k] = v
	}
	return out, nil
}

// AddPushSubscription заменяет подписку с тем же endpoint и держит не больше
// storage.MaxSubscriptionsPerUser последних.
func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.liveLocked(userID, sub.Endpoint)
	kept = append(kept, subItem{sub: sub, exp: time.Now().Add(subscriptionTTL)})
	if len(kept) > storage.MaxSubscriptionsPerUser {
		kept = kept[len(kept)-storage.MaxSubscriptionsPerUser:]
	}
	c.subs[userID] = kept
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.liveLocked(userID, endpoint)
	if len(kept) == 0 {
		delete(c.subs, userID)
		return nil
	}
	c.subs[userID] = kept
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var out []model.PushSubscription
	for _, it := range c.subs[userID] {
		if now.Before(it.exp) {
			out = append(out, it.sub)
		}
	}
	return out, nil
}

// liveLocked — непросроченные подписки пользователя без указанного endpoint.
func (c *Client) liveLocked(userID, skipEndpoint string) []subItem {
	now := time.Now()
	var kept []subItem
	for _, it := range c.subs[userID] {
		if it.sub.Endpoint != skipEndpoint && now.Before(it.exp) {
			kept = append(kept, it)
		}
	}
	return kept
}
