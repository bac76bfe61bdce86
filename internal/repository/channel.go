package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/model"
)

const channelCols = `id, key, name, channel_type, created_by, is_private, created_at`

type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func scanChannel(s interface{ Scan(dest ...any) error }, c *model.Channel) error {
	return s.Scan(&c.ID, &c.Key, &c.Name, &c.Type, &c.CreatedBy, &c.IsPrivate, &c.CreatedAt)
}

func (r *ChannelRepository) GetByKey(ctx context.Context, key string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.GetByKey", time.Now())()
	c := &model.Channel{}
	row := r.pool.QueryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE key = $1`, key)
	if err := scanChannel(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.GetByKey: %w", err)
	}
	return c, nil
}

func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.GetByID", time.Now())()
	c := &model.Channel{}
	row := r.pool.QueryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE id = $1`, id)
	if err := scanChannel(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channelRepo.GetByID: %w", err)
	}
	return c, nil
}

// seedCreator добавляет создателя в админы и участники в рамках транзакции.
func seedCreator(ctx context.Context, tx pgx.Tx, channelID, userID string, at time.Time) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_admins (channel_id, user_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		channelID, userID, at,
	); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		channelID, userID, at,
	); err != nil {
		return fmt.Errorf("seed member: %w", err)
	}
	return nil
}

// Create вставляет канал и делает создателя админом и участником.
// Если ID или CreatedAt не заданы, они заполняются здесь.
func (r *ChannelRepository) Create(ctx context.Context, c *model.Channel) error {
	defer logger.DeferLogDuration("channel.Create", time.Now())()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Type == "" {
		c.Type = model.TypeForKey(c.Key)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("channelRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO channels (id, key, name, channel_type, created_by, is_private, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Key, c.Name, c.Type, c.CreatedBy, c.IsPrivate, c.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("channelRepo.Create: %w", err)
	}
	if err := seedCreator(ctx, tx, c.ID, c.CreatedBy, c.CreatedAt); err != nil {
		return fmt.Errorf("channelRepo.Create: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("channelRepo.Create commit: %w", err)
	}
	return nil
}

// GetOrCreateByKey возвращает существующий канал без изменений или создаёт публичный.
// Параллельные вызовы с одним ключом получают один и тот же канал.
func (r *ChannelRepository) GetOrCreateByKey(ctx context.Context, key string, typ model.ChannelType, name, createdBy string) (*model.Channel, error) {
	defer logger.DeferLogDuration("channel.GetOrCreateByKey", time.Now())()
	if c, err := r.GetByKey(ctx, key); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if typ == "" {
		typ = model.TypeForKey(key)
	}
	if name == "" {
		name = key
	}
	now := time.Now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.GetOrCreateByKey begin: %w", err)
	}
	defer tx.Rollback(ctx)

	c := &model.Channel{}
	row := tx.QueryRow(ctx,
		`INSERT INTO channels (id, key, name, channel_type, created_by, is_private, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		 ON CONFLICT (key) DO NOTHING
		 RETURNING `+channelCols,
		uuid.New().String(), key, name, typ, createdBy, now,
	)
	if err := scanChannel(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Канал успели создать параллельно.
			tx.Rollback(ctx)
			return r.GetByKey(ctx, key)
		}
		return nil, fmt.Errorf("channelRepo.GetOrCreateByKey insert: %w", err)
	}
	if err := seedCreator(ctx, tx, c.ID, createdBy, now); err != nil {
		return nil, fmt.Errorf("channelRepo.GetOrCreateByKey: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("channelRepo.GetOrCreateByKey commit: %w", err)
	}
	return c, nil
}

// ListForUser — все публичные каналы и приватные, где пользователь участник.
func (r *ChannelRepository) ListForUser(ctx context.Context, userID string) ([]model.Channel, error) {
	defer logger.DeferLogDuration("channel.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+channelCols+` FROM channels c
		 WHERE NOT c.is_private
		    OR EXISTS (SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id AND cm.user_id = $1)
		 ORDER BY c.created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	channels := make([]model.Channel, 0, 16)
	for rows.Next() {
		var c model.Channel
		if err := scanChannel(rows, &c); err != nil {
			return nil, fmt.Errorf("channelRepo.ListForUser scan: %w", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channelRepo.ListForUser rows: %w", err)
	}
	return channels, nil
}

func (r *ChannelRepository) UpdatePrivacy(ctx context.Context, id string, isPrivate bool) error {
	defer logger.DeferLogDuration("channel.UpdatePrivacy", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE channels SET is_private = $1 WHERE id = $2`, isPrivate, id)
	if err != nil {
		return fmt.Errorf("channelRepo.UpdatePrivacy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет канал вместе с сообщениями (по id и по ключу), звонками, участниками и админами.
func (r *ChannelRepository) Delete(ctx context.Context, id, requesterID string) error {
	defer logger.DeferLogDuration("channel.Delete", time.Now())()
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.CreatedBy != requesterID {
		isAdmin, err := r.IsAdmin(ctx, id, requesterID)
		if err != nil {
			return err
		}
		if !isAdmin {
			return ErrForbidden
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("channelRepo.Delete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE channel_id = $1 OR channel_id = $2`, c.ID, c.Key); err != nil {
		return fmt.Errorf("channelRepo.Delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM huddles WHERE channel_key = $1`, c.Key); err != nil {
		return fmt.Errorf("channelRepo.Delete huddles: %w", err)
	}
	// channel_members и channel_admins удаляются каскадно.
	if _, err := tx.Exec(ctx, `DELETE FROM channels WHERE id = $1`, c.ID); err != nil {
		return fmt.Errorf("channelRepo.Delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("channelRepo.Delete commit: %w", err)
	}
	return nil
}

func (r *ChannelRepository) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	defer logger.DeferLogDuration("channel.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channelRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ChannelRepository) IsAdmin(ctx context.Context, channelID, userID string) (bool, error) {
	defer logger.DeferLogDuration("channel.IsAdmin", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_admins WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channelRepo.IsAdmin: %w", err)
	}
	return exists, nil
}

// AddMember идемпотентен: повторное добавление ничего не меняет.
func (r *ChannelRepository) AddMember(ctx context.Context, channelID, userID string) error {
	defer logger.DeferLogDuration("channel.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id, joined_at)
		 VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("channelRepo.AddMember: %w", err)
	}
	return nil
}

func (r *ChannelRepository) EnsureMember(ctx context.Context, channelID, userID string) error {
	return r.AddMember(ctx, channelID, userID)
}

func (r *ChannelRepository) RemoveMember(ctx context.Context, channelID, userID string) error {
	defer logger.DeferLogDuration("channel.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("channelRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *ChannelRepository) AddAdmin(ctx context.Context, channelID, userID string) error {
	defer logger.DeferLogDuration("channel.AddAdmin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO channel_admins (channel_id, user_id, created_at)
		 VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("channelRepo.AddAdmin: %w", err)
	}
	return nil
}

func (r *ChannelRepository) RemoveAdmin(ctx context.Context, channelID, userID string) error {
	defer logger.DeferLogDuration("channel.RemoveAdmin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM channel_admins WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("channelRepo.RemoveAdmin: %w", err)
	}
	return nil
}

func (r *ChannelRepository) listUsers(ctx context.Context, op, query, channelID string) ([]model.ChannelUser, error) {
	rows, err := r.pool.Query(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.%s query: %w", op, err)
	}
	defer rows.Close()

	users := make([]model.ChannelUser, 0, 8)
	for rows.Next() {
		var u model.ChannelUser
		if err := rows.Scan(&u.UserID, &u.Username, &u.JoinedAt); err != nil {
			return nil, fmt.Errorf("channelRepo.%s scan: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channelRepo.%s rows: %w", op, err)
	}
	return users, nil
}

func (r *ChannelRepository) Members(ctx context.Context, channelID string) ([]model.ChannelUser, error) {
	defer logger.DeferLogDuration("channel.Members", time.Now())()
	return r.listUsers(ctx, "Members",
		`SELECT cm.user_id, COALESCE(u.username, ''), cm.joined_at
		 FROM channel_members cm
		 LEFT JOIN users u ON u.id = cm.user_id
		 WHERE cm.channel_id = $1
		 ORDER BY cm.joined_at`, channelID)
}

func (r *ChannelRepository) Admins(ctx context.Context, channelID string) ([]model.ChannelUser, error) {
	defer logger.DeferLogDuration("channel.Admins", time.Now())()
	return r.listUsers(ctx, "Admins",
		`SELECT ca.user_id, COALESCE(u.username, ''), ca.created_at
		 FROM channel_admins ca
		 LEFT JOIN users u ON u.id = ca.user_id
		 WHERE ca.channel_id = $1
		 ORDER BY ca.created_at`, channelID)
}

func (r *ChannelRepository) MemberIDs(ctx context.Context, channelID string) ([]string, error) {
	defer logger.DeferLogDuration("channel.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("channelRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("channelRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channelRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}
