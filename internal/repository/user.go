package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/model"
)

const userCols = `id, username, role, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Role, &u.CreatedAt)
}

// Upsert сохраняет пользователя из проверенного токена; имя и роль берутся из токена.
func (r *UserRepository) Upsert(ctx context.Context, id model.Identity) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, role, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET username = EXCLUDED.username, role = EXCLUDED.role, updated_at = NOW()
		 WHERE users.username IS DISTINCT FROM EXCLUDED.username OR users.role IS DISTINCT FROM EXCLUDED.role`,
		id.ID, id.Username, id.Role,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// Usernames возвращает id → username для известных пользователей.
func (r *UserRepository) Usernames(ctx context.Context, ids []string) (map[string]string, error) {
	defer logger.DeferLogDuration("user.Usernames", time.Now())()
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, username FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Usernames query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("userRepo.Usernames scan: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Usernames rows: %w", err)
	}
	return out, nil
}
