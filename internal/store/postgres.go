package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		public BOOLEAN NOT NULL DEFAULT FALSE,
		share_token TEXT UNIQUE NOT NULL,
		parent_chat_id UUID,
		branched_from_message_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		parent_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id);
	CREATE INDEX IF NOT EXISTS idx_chats_share_token ON chats(share_token);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateChat creates a new chat with a fresh id and share token.
func (s *PostgresStore) CreateChat(ctx context.Context, ownerID uuid.UUID, title string) (*models.Chat, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (id, owner_id, title, share_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, ownerID, title, newShareToken(), now, now)
	if err != nil {
		return nil, err
	}

	return s.GetChat(ctx, id)
}

func (s *PostgresStore) scanChatRow(row pgx.Row) (*models.Chat, error) {
	chat := &models.Chat{}
	err := row.Scan(
		&chat.ID,
		&chat.OwnerID,
		&chat.Title,
		&chat.Public,
		&chat.ShareToken,
		&chat.ParentChatID,
		&chat.BranchedFromMessageID,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return chat, nil
}

// GetChat retrieves a chat by ID.
func (s *PostgresStore) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	return s.scanChatRow(s.pool.QueryRow(ctx, `
		SELECT `+chatColumns+` FROM chats WHERE id = $1
	`, id))
}

// GetChatByShareToken retrieves a chat by its share token.
func (s *PostgresStore) GetChatByShareToken(ctx context.Context, token string) (*models.Chat, error) {
	return s.scanChatRow(s.pool.QueryRow(ctx, `
		SELECT `+chatColumns+` FROM chats WHERE share_token = $1
	`, token))
}

// ListChats retrieves a user's chats, most recently updated first.
func (s *PostgresStore) ListChats(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		chat := models.Chat{}
		err := rows.Scan(
			&chat.ID,
			&chat.OwnerID,
			&chat.Title,
			&chat.Public,
			&chat.ShareToken,
			&chat.ParentChatID,
			&chat.BranchedFromMessageID,
			&chat.CreatedAt,
			&chat.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// RenameChat updates a chat's title.
func (s *PostgresStore) RenameChat(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chats SET title = $1, updated_at = NOW() WHERE id = $2
	`, title, id)
	return err
}

// SetChatVisibility flips the public flag. The share token never changes.
func (s *PostgresStore) SetChatVisibility(ctx context.Context, id uuid.UUID, public bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chats SET public = $1, updated_at = NOW() WHERE id = $2
	`, public, id)
	return err
}

// DeleteChat removes a chat and cascade-deletes its messages.
func (s *PostgresStore) DeleteChat(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	return err
}

// InsertMessage stores a message, generating id and timestamp if unset.
// The parent, when given, must exist and belong to the same chat.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if msg.ParentID != "" {
		parent, err := s.GetMessage(ctx, msg.ChatID, msg.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return apperr.E(apperr.Validation, "parent message not found in this chat")
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, parent_id, role, content_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.ChatID, msg.ParentID, string(msg.Role), string(msg.ContentType), msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, _ = s.pool.Exec(ctx, `UPDATE chats SET updated_at = NOW() WHERE id = $1`, msg.ChatID)
	return nil
}

// GetMessage retrieves a message scoped to a chat.
func (s *PostgresStore) GetMessage(ctx context.Context, chatID uuid.UUID, id string) (*models.Message, error) {
	msg := &models.Message{}
	var roleStr, typeStr string
	err := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1 AND chat_id = $2
	`, id, chatID).Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.ParentID,
		&roleStr,
		&typeStr,
		&msg.Content,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg.Role = models.Role(roleStr)
	msg.ContentType = models.ContentType(typeStr)
	return msg, nil
}

// ListMessages retrieves all messages of a chat in creation order.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID uuid.UUID) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg := models.Message{}
		var roleStr, typeStr string
		err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.ParentID,
			&roleStr,
			&typeStr,
			&msg.Content,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.Role = models.Role(roleStr)
		msg.ContentType = models.ContentType(typeStr)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeleteMessageAndDescendants removes a message and every message whose
// parent chain reaches it.
func (s *PostgresStore) DeleteMessageAndDescendants(ctx context.Context, chatID uuid.UUID, id string) error {
	_, err := s.pool.Exec(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM messages WHERE id = $1 AND chat_id = $2
			UNION ALL
			SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		)
		DELETE FROM messages WHERE id IN (SELECT id FROM subtree)
	`, id, chatID)
	return err
}

// BranchChat copies the root-to-branch-point chain into a new chat.
func (s *PostgresStore) BranchChat(ctx context.Context, sourceChatID uuid.UUID, messageID string, ownerID uuid.UUID) (*models.Chat, error) {
	source, err := s.GetChat(ctx, sourceChatID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, apperr.E(apperr.NotFound, "chat not found")
	}

	chain, err := AncestorChain(ctx, s, sourceChatID, messageID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	newID := uuid.New()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO chats (id, owner_id, title, share_token, parent_chat_id, branched_from_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, newID, ownerID, branchTitle(source.Title), newShareToken(), sourceChatID, messageID, now, now)
	if err != nil {
		return nil, err
	}

	idMap := make(map[string]string, len(chain))
	for _, msg := range chain {
		copyID := ulid.Make().String()
		idMap[msg.ID] = copyID

		parentID := ""
		if msg.ParentID != "" {
			parentID = idMap[msg.ParentID]
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, chat_id, parent_id, role, content_type, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, copyID, newID, parentID, string(msg.Role), string(msg.ContentType), msg.Content, msg.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return s.GetChat(ctx, newID)
}
