package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// PostgresStore persists conversations in a single table. Message and
// metadata blobs are JSON text, optionally sealed with the shared AEAD
// construction. Plaintext rows written before encryption was enabled still
// read back.
type PostgresStore struct {
	pool  *pgxpool.Pool
	crypt *crypter // nil = plaintext blobs
}

// NewPostgresStore connects, pings and migrates the conversations table.
func NewPostgresStore(ctx context.Context, connURL string, encrypt bool, key string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("convstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if encrypt {
		crypt, err := newCrypter(key)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.crypt = crypt
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: migrate: %w", err)
	}
	log.Info().
		Bool("encrypted", s.crypt != nil).
		Msg("Conversation postgres store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL DEFAULT '',
			chat_id         TEXT NOT NULL DEFAULT '',
			agent_name      TEXT NOT NULL DEFAULT '',
			messages_blob   TEXT NOT NULL DEFAULT '[]',
			metadata_blob   TEXT NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ,
			message_count   INT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user    ON conversations (user_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_chat    ON conversations (chat_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent   ON conversations (agent_name);
		CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations (created_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations (expires_at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const convColumns = `conversation_id, user_id, chat_id, agent_name, messages_blob, metadata_blob, created_at, updated_at, expires_at`

// encodeBlob marshals v to JSON, sealing it when encryption is on.
func (s *PostgresStore) encodeBlob(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("convstore: marshal blob: %w", err)
	}
	if s.crypt == nil {
		return string(data), nil
	}
	return s.crypt.seal(data)
}

// decodeBlob unmarshals a stored blob, opening it first if it is sealed.
func (s *PostgresStore) decodeBlob(blob string, v any) error {
	if blob == "" {
		return nil
	}
	data := []byte(blob)
	if looksSealed(blob) {
		if s.crypt == nil {
			return errors.New("convstore: blob is encrypted but no key is configured")
		}
		plain, err := s.crypt.open(blob)
		if err != nil {
			return err
		}
		data = plain
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("convstore: parse blob: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanConv(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var messagesBlob, metadataBlob string
	err := row.Scan(
		&conv.ConversationID,
		&conv.UserID,
		&conv.ChatID,
		&conv.AgentName,
		&messagesBlob,
		&metadataBlob,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&conv.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if err := s.decodeBlob(messagesBlob, &conv.Messages); err != nil {
		return nil, err
	}
	if err := s.decodeBlob(metadataBlob, &conv.Metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

// upsert writes the full row. Save and Update both land here.
func (s *PostgresStore) upsert(ctx context.Context, conv *models.Conversation) error {
	messagesBlob, err := s.encodeBlob(conv.Messages)
	if err != nil {
		return err
	}
	metadataBlob, err := s.encodeBlob(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (conversation_id, user_id, chat_id, agent_name, messages_blob, metadata_blob, created_at, updated_at, expires_at, message_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (conversation_id) DO UPDATE SET
			user_id       = EXCLUDED.user_id,
			chat_id       = EXCLUDED.chat_id,
			agent_name    = EXCLUDED.agent_name,
			messages_blob = EXCLUDED.messages_blob,
			metadata_blob = EXCLUDED.metadata_blob,
			updated_at    = EXCLUDED.updated_at,
			expires_at    = EXCLUDED.expires_at,
			message_count = EXCLUDED.message_count`,
		conv.ConversationID, conv.UserID, conv.ChatID, conv.AgentName,
		messagesBlob, metadataBlob, conv.CreatedAt, conv.UpdatedAt,
		conv.ExpiresAt, len(conv.Messages),
	)
	if err != nil {
		return fmt.Errorf("convstore: upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv.ConversationID == "" {
		conv.ConversationID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	return s.upsert(ctx, conv)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE conversation_id = $1`, id)
	conv, err := s.scanConv(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "conversation", Key: id}
		}
		return nil, fmt.Errorf("convstore: get: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("convstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE conversation_id = $1 FOR UPDATE`, id)
	conv, err := s.scanConv(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "conversation", Key: id}
		}
		return nil, fmt.Errorf("convstore: update: %w", err)
	}
	applyPatch(conv, patch)

	messagesBlob, err := s.encodeBlob(conv.Messages)
	if err != nil {
		return nil, err
	}
	metadataBlob, err := s.encodeBlob(conv.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE conversations SET
			messages_blob = $2, metadata_blob = $3, updated_at = $4,
			expires_at = $5, message_count = $6
		WHERE conversation_id = $1`,
		id, messagesBlob, metadataBlob, conv.UpdatedAt, conv.ExpiresAt, len(conv.Messages),
	)
	if err != nil {
		return nil, fmt.Errorf("convstore: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("convstore: commit: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("convstore: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter models.ConversationFilter) ([]*models.Conversation, error) {
	query := `SELECT ` + convColumns + ` FROM conversations WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.ChatID != "" {
		query += fmt.Sprintf(" AND chat_id = $%d", argIdx)
		args = append(args, filter.ChatID)
		argIdx++
	}
	if filter.AgentName != "" {
		query += fmt.Sprintf(" AND agent_name = $%d", argIdx)
		args = append(args, filter.AgentName)
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := s.scanConv(rows)
		if err != nil {
			return nil, fmt.Errorf("convstore: list scan: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.ConversationStats, error) {
	stats := &models.ConversationStats{ByAgent: make(map[string]int)}

	var oldest, newest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(message_count), 0), MIN(created_at), MAX(created_at)
		FROM conversations`).
		Scan(&stats.Conversations, &stats.Messages, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("convstore: stats: %w", err)
	}
	stats.OldestAt = oldest
	stats.NewestAt = newest

	rows, err := s.pool.Query(ctx,
		`SELECT agent_name, COUNT(*) FROM conversations GROUP BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("convstore: stats by agent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent string
		var n int
		if err := rows.Scan(&agent, &n); err != nil {
			return nil, fmt.Errorf("convstore: stats scan: %w", err)
		}
		stats.ByAgent[agent] = n
	}
	return stats, rows.Err()
}

const expiredPredicate = `updated_at < $1 OR (expires_at IS NOT NULL AND expires_at <= NOW())`

func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*models.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE `+expiredPredicate, cutoff)
	if err != nil {
		return nil, fmt.Errorf("convstore: list expired: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := s.scanConv(rows)
		if err != nil {
			return nil, fmt.Errorf("convstore: list expired scan: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE `+expiredPredicate, cutoff)
	if err != nil {
		return 0, fmt.Errorf("convstore: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
