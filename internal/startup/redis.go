package startup

import (
	"context"
	"os"
	"time"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/storage"
	"github.com/taskhub/internal/storage/memory"
	redisstorage "github.com/taskhub/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration) *redisstorage.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redisstorage.New(ctx, redisURL)
		cancel()
		if err == nil {
			return client
		}
		if time.Now().After(deadline) {
			logger.Errorf("redis (gave up after %v): %v", maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// OpenStore выбирает хранилище эфемерного состояния: Redis, если задан URL, иначе память процесса.
// Статусы присутствия после старта сбрасываются: сокетов ещё нет.
func OpenStore(redisURL string, maxWait time.Duration) storage.Store {
	if redisURL == "" {
		logger.Info("REDIS_URL not set, presence and push subscriptions are kept in memory")
		return memory.New()
	}
	client := ConnectRedisWithRetry(redisURL, maxWait)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.FlushPresence(ctx); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	logger.Info("redis connected")
	return client
}
