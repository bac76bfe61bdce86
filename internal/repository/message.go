package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/model"
)

// messageCols ожидает алиас m для messages и u для users.
const messageCols = `m.id, m.channel_id, m.user_id, COALESCE(u.username, ''), m.text_html,
	m.encrypted_json, m.sender_public_key, m.fallback_text, m.parent_id,
	m.reactions, m.attachments, m.created_at, m.updated_at, m.deleted_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var (
		encJSON, senderKey, fallback *string
		reactions, attachments       []byte
	)
	if err := s.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Username, &m.Content.TextHTML,
		&encJSON, &senderKey, &fallback, &m.ParentID,
		&reactions, &attachments, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt); err != nil {
		return err
	}
	if encJSON != nil && *encJSON != "" {
		m.Content.Encrypted = &model.Envelope{EncryptedJSON: *encJSON}
		if senderKey != nil {
			m.Content.Encrypted.SenderPublicKey = *senderKey
		}
		if fallback != nil {
			m.Content.Encrypted.FallbackText = *fallback
		}
	}
	m.Reactions = map[string][]string{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return fmt.Errorf("decode reactions: %w", err)
		}
	}
	m.Attachments = []model.Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return fmt.Errorf("decode attachments: %w", err)
		}
	}
	return nil
}

func envelopeArgs(c model.Content) (encJSON, senderKey, fallback *string) {
	if c.Encrypted == nil || c.Encrypted.EncryptedJSON == "" {
		return nil, nil, nil
	}
	e := c.Encrypted
	return &e.EncryptedJSON, &e.SenderPublicKey, &e.FallbackText
}

// Create сохраняет сообщение; id и created_at назначает сервер.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = nil
	m.DeletedAt = nil
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	if m.Attachments == nil {
		m.Attachments = []model.Attachment{}
	}
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("msgRepo.Create reactions: %w", err)
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("msgRepo.Create attachments: %w", err)
	}
	encJSON, senderKey, fallback := envelopeArgs(m.Content)

	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, user_id, text_html, encrypted_json, sender_public_key, fallback_text,
		                       parent_id, reactions, attachments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11)`,
		m.ID, m.ChannelID, m.UserID, m.Content.TextHTML, encJSON, senderKey, fallback,
		m.ParentID, string(reactions), string(attachments), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// GetRecent возвращает последние limit сообщений канала по возрастанию времени.
// keyFallback подхватывает старые строки, где channel_id хранит ключ канала.
func (r *MessageRepository) GetRecent(ctx context.Context, channelID string, limit int, keyFallback string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetRecent", time.Now())()
	if limit <= 0 {
		return []model.Message{}, nil
	}
	if keyFallback == "" {
		keyFallback = channelID
	}
	rows, err := r.pool.Query(ctx,
		`SELECT * FROM (
		   SELECT `+messageCols+`
		   FROM messages m
		   LEFT JOIN users u ON u.id = m.user_id
		   WHERE m.channel_id = $1 OR m.channel_id = $2
		   ORDER BY m.created_at DESC, m.id DESC
		   LIMIT $3
		 ) recent
		 ORDER BY recent.created_at ASC, recent.id ASC`, channelID, keyFallback, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetRecent query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.GetRecent scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetRecent rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// Edit меняет содержимое, только если userID — автор и сообщение не удалено.
// Иначе возвращает (nil, nil).
func (r *MessageRepository) Edit(ctx context.Context, id, userID string, content model.Content) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()
	encJSON, senderKey, fallback := envelopeArgs(content)
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`WITH m AS (
		   UPDATE messages
		   SET text_html = $3, encrypted_json = $4, sender_public_key = $5, fallback_text = $6, updated_at = NOW()
		   WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		   RETURNING *
		 )
		 SELECT `+messageCols+`
		 FROM m
		 LEFT JOIN users u ON u.id = m.user_id`,
		id, userID, content.TextHTML, encJSON, senderKey, fallback,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.Edit: %w", err)
	}
	return m, nil
}

// SoftDelete ставит deleted_at; текст остаётся в строке. Чужие и уже удалённые — (nil, nil).
func (r *MessageRepository) SoftDelete(ctx context.Context, id, userID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`WITH m AS (
		   UPDATE messages
		   SET deleted_at = NOW()
		   WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		   RETURNING *
		 )
		 SELECT `+messageCols+`
		 FROM m
		 LEFT JOIN users u ON u.id = m.user_id`,
		id, userID,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return m, nil
}
