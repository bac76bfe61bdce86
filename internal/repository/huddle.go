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

const huddleCols = `channel_key, huddle_id, started_by, started_at, ended_at`

type HuddleRepository struct {
	pool *pgxpool.Pool
}

func NewHuddleRepository(pool *pgxpool.Pool) *HuddleRepository {
	return &HuddleRepository{pool: pool}
}

func scanHuddle(s interface{ Scan(dest ...any) error }, h *model.Huddle) error {
	return s.Scan(&h.ChannelKey, &h.HuddleID, &h.StartedBy, &h.StartedAt, &h.EndedAt)
}

// Start создаёт активный звонок. Если в канале уже идёт звонок (частичный
// уникальный индекс), возвращает его и created=false. Повтор id завершённого
// звонка (первичный ключ) — ErrHuddleIDUsed.
func (r *HuddleRepository) Start(ctx context.Context, channelKey, huddleID, startedBy string) (*model.Huddle, bool, error) {
	defer logger.DeferLogDuration("huddle.Start", time.Now())()
	h := &model.Huddle{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO huddles (channel_key, huddle_id, started_by, started_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT DO NOTHING
		 RETURNING `+huddleCols,
		channelKey, huddleID, startedBy,
	)
	err := scanHuddle(row, h)
	if err == nil {
		return h, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("huddleRepo.Start: %w", err)
	}
	active, err := r.GetActive(ctx, channelKey)
	if err != nil {
		return nil, false, err
	}
	if active == nil {
		return nil, false, ErrHuddleIDUsed
	}
	return active, false, nil
}

// GetActive возвращает nil, если звонка нет.
func (r *HuddleRepository) GetActive(ctx context.Context, channelKey string) (*model.Huddle, error) {
	defer logger.DeferLogDuration("huddle.GetActive", time.Now())()
	h := &model.Huddle{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+huddleCols+` FROM huddles WHERE channel_key = $1 AND ended_at IS NULL`, channelKey)
	if err := scanHuddle(row, h); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("huddleRepo.GetActive: %w", err)
	}
	return h, nil
}

// End завершает только активный звонок с этим id; nil, если такого нет.
func (r *HuddleRepository) End(ctx context.Context, channelKey, huddleID string) (*model.Huddle, error) {
	defer logger.DeferLogDuration("huddle.End", time.Now())()
	h := &model.Huddle{}
	row := r.pool.QueryRow(ctx,
		`UPDATE huddles SET ended_at = NOW()
		 WHERE channel_key = $1 AND huddle_id = $2 AND ended_at IS NULL
		 RETURNING `+huddleCols,
		channelKey, huddleID,
	)
	if err := scanHuddle(row, h); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("huddleRepo.End: %w", err)
	}
	return h, nil
}
