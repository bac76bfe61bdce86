package startup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhub/internal/logger"
	"github.com/taskhub/migrations"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration) *pgxpool.Pool {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		pool, err := connectDB(poolCfg)
		if err == nil {
			return pool
		}
		if time.Now().After(deadline) {
			logger.Errorf("connect to db (gave up after %v): %v", maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("db connect failed, retry in %v: %v", backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func connectDB(poolCfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	cancel()
	if err != nil {
		return nil, err
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(pingCtx)
	pingCancel()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate применяет встроенные migrations/*.sql по порядку имён. Все миграции идемпотентны.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	return nil
}

// EmbeddedDB — параметры встроенного Postgres для -dev и тестов репозиториев.
type EmbeddedDB struct {
	Port     uint32
	User     string
	Password string
	Database string
	// DataDir пустой — данные во временном каталоге и не переживают перезапуск.
	DataDir string
}

func (e EmbeddedDB) URL() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", e.User, e.Password, e.Port, e.Database)
}

// StartEmbeddedPostgres поднимает встроенный Postgres (скачивает бинарники при первом запуске).
func StartEmbeddedPostgres(e EmbeddedDB) (*embeddedpostgres.EmbeddedPostgres, error) {
	cfg := embeddedpostgres.DefaultConfig().
		Port(e.Port).
		Username(e.User).
		Password(e.Password).
		Database(e.Database).
		RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime-"+e.Database))
	if e.DataDir != "" {
		if err := os.MkdirAll(e.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create pgdata dir: %w", err)
		}
		cfg = cfg.DataPath(e.DataDir)
	}
	db := embeddedpostgres.NewDatabase(cfg)
	logger.Infof("starting embedded PostgreSQL on port %d...", e.Port)
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return db, nil
}
