package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/storage/memory"
)

func browserSubscription(t *testing.T, endpoint string) model.PushSubscription {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return model.PushSubscription{
		Endpoint: endpoint,
		Keys: model.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.PrivateKey)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSenderDisabledWithoutKeys(t *testing.T) {
	s := NewSender(memory.New(), nil, "ops@example.com")
	assert.False(t, s.Enabled())
	assert.Empty(t, s.PublicKey())
	s.Notify(context.Background(), "u1", "title", "body", nil)
}

func TestSenderDropsGoneSubscriptions(t *testing.T) {
	var hits atomic.Int32
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ok.Close()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(ctx, "u1", browserSubscription(t, gone.URL+"/sub")))
	require.NoError(t, store.AddPushSubscription(ctx, "u1", browserSubscription(t, ok.URL+"/sub")))

	keys, err := EnsureVAPIDKeys(filepath.Join(t.TempDir(), "vapid.json"))
	require.NoError(t, err)
	s := NewSender(store, keys, "ops@example.com")
	require.True(t, s.Enabled())
	assert.Equal(t, keys.PublicKey, s.PublicKey())

	s.Notify(ctx, "u1", "alice", "hello", map[string]string{"channelId": "general"})
	assert.Equal(t, int32(2), hits.Load())

	left, err := store.PushSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ok.URL+"/sub", left[0].Endpoint)
}
