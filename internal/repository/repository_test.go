package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/model"
	"github.com/taskhub/internal/startup"
)

// testPool — nil, если база для тестов не настроена; тогда тесты пропускаются.
var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runWithDB(m))
}

func runWithDB(m *testing.M) int {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" && os.Getenv("EMBEDDED_PG_TESTS") == "1" {
		e := startup.EmbeddedDB{Port: 54329, User: "postgres", Password: "postgres", Database: "taskhub_test"}
		db, err := startup.StartEmbeddedPostgres(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "embedded postgres: %v\n", err)
			return 1
		}
		defer db.Stop()
		dsn = e.URL()
	}
	if dsn == "" {
		return m.Run()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer pool.Close()
	if err := startup.Migrate(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	testPool = pool
	return m.Run()
}

func needDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testPool == nil {
		t.Skip("set TEST_DATABASE_URL or EMBEDDED_PG_TESTS=1 to run repository tests")
	}
	return testPool
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func TestChannelGetOrCreateIsIdempotent(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	repo := NewChannelRepository(pool)
	key := uniq("general")

	const n = 8
	results := make([]*model.Channel, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := repo.GetOrCreateByKey(ctx, key, "", "", "u1")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, c := range results {
		require.NotNil(t, c)
		assert.Equal(t, results[0].ID, c.ID)
		assert.False(t, c.IsPrivate)
	}
	isAdmin, err := repo.IsAdmin(ctx, results[0].ID, "u1")
	require.NoError(t, err)
	assert.True(t, isAdmin)
	isMember, err := repo.IsMember(ctx, results[0].ID, "u1")
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestChannelCreateDuplicateKey(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	repo := NewChannelRepository(pool)
	key := uniq("dup")

	require.NoError(t, repo.Create(ctx, &model.Channel{Key: key, Name: "dup", CreatedBy: "u1"}))
	err := repo.Create(ctx, &model.Channel{Key: key, Name: "dup", CreatedBy: "u2"})
	assert.True(t, errors.Is(err, ErrDuplicateKey))
}

func TestChannelListForUserHidesForeignPrivate(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	repo := NewChannelRepository(pool)
	priv := &model.Channel{Key: uniq("secret"), Name: "secret", CreatedBy: "owner", IsPrivate: true}
	require.NoError(t, repo.Create(ctx, priv))

	containsKey := func(list []model.Channel, key string) bool {
		for _, c := range list {
			if c.Key == key {
				return true
			}
		}
		return false
	}

	list, err := repo.ListForUser(ctx, "stranger")
	require.NoError(t, err)
	assert.False(t, containsKey(list, priv.Key))

	require.NoError(t, repo.EnsureMember(ctx, priv.ID, "stranger"))
	require.NoError(t, repo.EnsureMember(ctx, priv.ID, "stranger"))
	list, err = repo.ListForUser(ctx, "stranger")
	require.NoError(t, err)
	assert.True(t, containsKey(list, priv.Key))
}

func TestChannelDeleteCascades(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	channels := NewChannelRepository(pool)
	messages := NewMessageRepository(pool)
	huddles := NewHuddleRepository(pool)

	c := &model.Channel{Key: uniq("doomed"), Name: "doomed", CreatedBy: "owner"}
	require.NoError(t, channels.Create(ctx, c))
	require.NoError(t, messages.Create(ctx, &model.Message{ChannelID: c.ID, UserID: "owner", Content: model.Content{TextHTML: "a"}}))
	require.NoError(t, messages.Create(ctx, &model.Message{ChannelID: c.Key, UserID: "owner", Content: model.Content{TextHTML: "legacy"}}))
	_, _, err := huddles.Start(ctx, c.Key, "h1", "owner")
	require.NoError(t, err)

	err = channels.Delete(ctx, c.ID, "someone-else")
	assert.True(t, errors.Is(err, ErrForbidden))

	require.NoError(t, channels.Delete(ctx, c.ID, "owner"))
	_, err = channels.GetByID(ctx, c.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	recent, err := messages.GetRecent(ctx, c.ID, 100, c.Key)
	require.NoError(t, err)
	assert.Empty(t, recent)
	active, err := huddles.GetActive(ctx, c.Key)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestMessageRecentOrderAndLimit(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	channels := NewChannelRepository(pool)
	messages := NewMessageRepository(pool)
	c, err := channels.GetOrCreateByKey(ctx, uniq("history"), "", "", "u1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, messages.Create(ctx, &model.Message{
			ChannelID: c.ID, UserID: "u1", Content: model.Content{TextHTML: fmt.Sprintf("m%d", i)},
		}))
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := messages.GetRecent(ctx, c.ID, 3, c.Key)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Content.TextHTML)
	assert.Equal(t, "m4", recent[2].Content.TextHTML)
	assert.Equal(t, map[string][]string{}, recent[0].Reactions)
}

func TestMessageEditAndDeleteGuards(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	messages := NewMessageRepository(pool)
	m := &model.Message{
		ChannelID: uniq("c"), UserID: "author",
		Content:     model.Content{Encrypted: &model.Envelope{EncryptedJSON: "{}", SenderPublicKey: "pk", FallbackText: "hi"}},
		Attachments: []model.Attachment{{URL: "/f/1", Name: "a.png"}},
	}
	require.NoError(t, messages.Create(ctx, m))

	got, err := messages.Edit(ctx, m.ID, "intruder", model.Content{TextHTML: "x"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = messages.Edit(ctx, m.ID, "author", model.Content{TextHTML: "edited"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "edited", got.Content.TextHTML)
	assert.NotNil(t, got.UpdatedAt)
	assert.Nil(t, got.Content.Encrypted)

	got, err = messages.SoftDelete(ctx, m.ID, "author")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, "edited", got.Content.TextHTML)

	got, err = messages.SoftDelete(ctx, m.ID, "author")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = messages.Edit(ctx, m.ID, "author", model.Content{TextHTML: "again"})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Attachments, 1)
}

func TestHuddleSingleActive(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	huddles := NewHuddleRepository(pool)
	key := uniq("room")

	h, created, err := huddles.Start(ctx, key, "h1", "a")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "h1", h.HuddleID)

	h, created, err = huddles.Start(ctx, key, "h2", "b")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "h1", h.HuddleID)

	ended, err := huddles.End(ctx, key, "h2")
	require.NoError(t, err)
	assert.Nil(t, ended)

	ended, err = huddles.End(ctx, key, "h1")
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.NotNil(t, ended.EndedAt)

	h, created, err = huddles.Start(ctx, key, "h2", "b")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "h2", h.HuddleID)
}

func TestHuddleEndedIDCannotRestart(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	huddles := NewHuddleRepository(pool)
	key := uniq("room")

	_, created, err := huddles.Start(ctx, key, "h1", "a")
	require.NoError(t, err)
	require.True(t, created)
	_, err = huddles.End(ctx, key, "h1")
	require.NoError(t, err)

	h, created, err := huddles.Start(ctx, key, "h1", "a")
	assert.ErrorIs(t, err, ErrHuddleIDUsed)
	assert.False(t, created)
	assert.Nil(t, h)

	// пока идёт другой звонок, повтор id возвращает активный
	_, _, err = huddles.Start(ctx, key, "h2", "a")
	require.NoError(t, err)
	h, created, err = huddles.Start(ctx, key, "h1", "b")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "h2", h.HuddleID)
}

func TestUserUpsert(t *testing.T) {
	pool := needDB(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	id := uniq("user")

	require.NoError(t, users.Upsert(ctx, model.Identity{ID: id, Username: "alice", Role: "member"}))
	require.NoError(t, users.Upsert(ctx, model.Identity{ID: id, Username: "alice2", Role: "admin"}))
	u, err := users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)

	names, err := users.Usernames(ctx, []string{id, "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{id: "alice2"}, names)
}
