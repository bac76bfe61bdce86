package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/storage"
)

// Тесты идут против настоящего Redis из TEST_REDIS_URL; без него пропускаются.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sub(endpoint string) model.PushSubscription {
	return model.PushSubscription{Endpoint: endpoint, Keys: model.PushKeys{P256dh: "p", Auth: "a"}}
}

func TestPresenceHash(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	uid := "u-" + uuid.New().String()[:8]
	t.Cleanup(func() { c.ClearPresence(ctx, uid) })

	require.NoError(t, c.SetPresence(ctx, uid, model.PresenceAway))
	got, err := c.Presence(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PresenceAway, got[uid])

	require.NoError(t, c.ClearPresence(ctx, uid))
	got, err = c.Presence(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, uid)
}

func TestPushSubscriptionList(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	uid := "u-" + uuid.New().String()[:8]
	t.Cleanup(func() { c.cli.Del(ctx, pushKeyPrefix+uid) })

	require.NoError(t, c.AddPushSubscription(ctx, uid, sub("https://push/a")))
	require.NoError(t, c.AddPushSubscription(ctx, uid, sub("https://push/a")))
	subs, err := c.PushSubscriptions(ctx, uid)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	for i := 0; i < storage.MaxSubscriptionsPerUser+2; i++ {
		require.NoError(t, c.AddPushSubscription(ctx, uid, sub(fmt.Sprintf("https://push/%d", i))))
	}
	subs, err = c.PushSubscriptions(ctx, uid)
	require.NoError(t, err)
	assert.Len(t, subs, storage.MaxSubscriptionsPerUser)

	ttl, err := c.cli.TTL(ctx, pushKeyPrefix+uid).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 29*24*time.Hour)

	require.NoError(t, c.RemovePushSubscription(ctx, uid, subs[0].Endpoint))
	left, err := c.PushSubscriptions(ctx, uid)
	require.NoError(t, err)
	assert.Len(t, left, storage.MaxSubscriptionsPerUser-1)

	// битая запись пропускается при чтении
	require.NoError(t, c.cli.RPush(ctx, pushKeyPrefix+uid, "{not json").Err())
	left, err = c.PushSubscriptions(ctx, uid)
	require.NoError(t, err)
	assert.Len(t, left, storage.MaxSubscriptionsPerUser-1)
}
