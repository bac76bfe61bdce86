package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/storage"
)

const (
	presenceKey     = "presence"
	pushKeyPrefix   = "push:subs:"
	SubscriptionTTL = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

var _ storage.Store = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient — для тестов и для общего клиента с другими компонентами.
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Статусы присутствия лежат в одном хеше presence: userID → статус.
func (c *Client) SetPresence(ctx context.Context, userID, status string) error {
	return c.cli.HSet(ctx, presenceKey, userID, status).Err()
}

func (c *Client) ClearPresence(ctx context.Context, userID string) error {
	return c.cli.HDel(ctx, presenceKey, userID).Err()
}

func (c *Client) Presence(ctx context.Context) (map[string]string, error) {
	return c.cli.HGetAll(ctx, presenceKey).Result()
}

// AddPushSubscription: список push:subs:{userID}, не больше MaxSubscriptionsPerUser последних.
func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := c.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	key := pushKeyPrefix + userID
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubscriptionsPerUser, -1)
	pipe.Expire(ctx, key, SubscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushKeyPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range list {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			continue
		}
		if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub model.PushSubscription
		if err := json.Unmarshal([]byte(item), &sub); err != nil || !sub.Valid() {
			logger.Warnf("redis: skip broken push subscription user=%s", userID)
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// FlushPresence сбрасывает статусы: после перезапуска ни одного сокета нет.
func (c *Client) FlushPresence(ctx context.Context) error {
	return c.cli.Del(ctx, presenceKey).Err()
}
