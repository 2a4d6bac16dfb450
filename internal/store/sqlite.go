package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/arborchat/arbor/internal/apperr"
	"github.com/arborchat/arbor/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/arbor.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/arbor.db"
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		public INTEGER NOT NULL DEFAULT 0,
		share_token TEXT UNIQUE NOT NULL,
		parent_chat_id TEXT,
		branched_from_message_id TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		parent_id TEXT DEFAULT '',
		role TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id);
	CREATE INDEX IF NOT EXISTS idx_chats_share_token ON chats(share_token);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateChat creates a new chat with a fresh id and share token.
func (s *SQLiteStore) CreateChat(ctx context.Context, ownerID uuid.UUID, title string) (*models.Chat, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, public, share_token, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, id.String(), ownerID.String(), title, newShareToken(), now, now)
	if err != nil {
		return nil, err
	}

	return s.GetChat(ctx, id)
}

const chatColumns = `id, owner_id, title, public, share_token, parent_chat_id, branched_from_message_id, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*models.Chat, error) {
	chat := &models.Chat{}
	var idStr, ownerStr string
	var publicInt int
	var parentStr *string

	err := row.Scan(
		&idStr,
		&ownerStr,
		&chat.Title,
		&publicInt,
		&chat.ShareToken,
		&parentStr,
		&chat.BranchedFromMessageID,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	chat.ID = uuid.MustParse(idStr)
	chat.OwnerID = uuid.MustParse(ownerStr)
	chat.Public = publicInt == 1
	if parentStr != nil {
		parent := uuid.MustParse(*parentStr)
		chat.ParentChatID = &parent
	}
	return chat, nil
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id.String())
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return chat, err
}

// GetChatByShareToken retrieves a chat by its share token.
func (s *SQLiteStore) GetChatByShareToken(ctx context.Context, token string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE share_token = ?`, token)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return chat, err
}

// ListChats retrieves a user's chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE owner_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, ownerID.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// RenameChat updates a chat's title.
func (s *SQLiteStore) RenameChat(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, title, id.String())
	return err
}

// SetChatVisibility flips the public flag. The share token never changes.
func (s *SQLiteStore) SetChatVisibility(ctx context.Context, id uuid.UUID, public bool) error {
	publicInt := 0
	if public {
		publicInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET public = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, publicInt, id.String())
	return err
}

// DeleteChat removes a chat and cascade-deletes its messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id.String())
	return err
}

// InsertMessage stores a message, generating id and timestamp if unset.
// The parent, when given, must exist and belong to the same chat.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, parent_id, role, content_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID.String(), msg.ParentID, string(msg.Role), string(msg.ContentType), msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, _ = s.db.ExecContext(ctx, `UPDATE chats SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, msg.ChatID.String())
	return nil
}

const messageColumns = `id, chat_id, parent_id, role, content_type, content, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	msg := &models.Message{}
	var chatStr, roleStr, typeStr string

	err := row.Scan(
		&msg.ID,
		&chatStr,
		&msg.ParentID,
		&roleStr,
		&typeStr,
		&msg.Content,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.ChatID = uuid.MustParse(chatStr)
	msg.Role = models.Role(roleStr)
	msg.ContentType = models.ContentType(typeStr)
	return msg, nil
}

// GetMessage retrieves a message scoped to a chat.
func (s *SQLiteStore) GetMessage(ctx context.Context, chatID uuid.UUID, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ? AND chat_id = ?
	`, id, chatID.String())
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// ListMessages retrieves all messages of a chat in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
	`, chatID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// DeleteMessageAndDescendants removes a message and every message whose
// parent chain reaches it. Used by the edit flow.
func (s *SQLiteStore) DeleteMessageAndDescendants(ctx context.Context, chatID uuid.UUID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM messages WHERE id = ? AND chat_id = ?
			UNION ALL
			SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		)
		DELETE FROM messages WHERE id IN (SELECT id FROM subtree)
	`, id, chatID.String())
	return err
}

// BranchChat copies the root-to-branch-point chain into a new chat.
func (s *SQLiteStore) BranchChat(ctx context.Context, sourceChatID uuid.UUID, messageID string, ownerID uuid.UUID) (*models.Chat, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newID := uuid.New()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, public, share_token, parent_chat_id, branched_from_message_id, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)
	`, newID.String(), ownerID.String(), branchTitle(source.Title), newShareToken(),
		sourceChatID.String(), messageID, now, now)
	if err != nil {
		return nil, err
	}

	// Remap ids while preserving parent structure, content and timestamps.
	idMap := make(map[string]string, len(chain))
	for _, msg := range chain {
		copyID := ulid.Make().String()
		idMap[msg.ID] = copyID

		parentID := ""
		if msg.ParentID != "" {
			parentID = idMap[msg.ParentID]
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, parent_id, role, content_type, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, copyID, newID.String(), parentID, string(msg.Role), string(msg.ContentType), msg.Content, msg.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetChat(ctx, newID)
}

// AncestorChain walks parent pointers from messageID to the root and returns
// the chain in chronological order. Shared by both store backends.
func AncestorChain(ctx context.Context, ds DataStore, chatID uuid.UUID, messageID string) ([]models.Message, error) {
	var chain []models.Message
	cursor := messageID
	for cursor != "" {
		msg, err := ds.GetMessage(ctx, chatID, cursor)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			if cursor == messageID {
				return nil, apperr.E(apperr.NotFound, "message not found in this chat")
			}
			return nil, apperr.E(apperr.Internal, "broken parent chain")
		}
		chain = append(chain, *msg)
		cursor = msg.ParentID
	}

	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
