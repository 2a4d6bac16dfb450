package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/arborchat/arbor/internal/models"
)

// DataStore defines the interface for durable storage of chats and the
// message tree. Both PostgresStore and SQLiteStore implement this interface.
// Point reads return (nil, nil) when the row does not exist.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Chat operations
	CreateChat(ctx context.Context, ownerID uuid.UUID, title string) (*models.Chat, error)
	GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	GetChatByShareToken(ctx context.Context, token string) (*models.Chat, error)
	ListChats(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Chat, error)
	RenameChat(ctx context.Context, id uuid.UUID, title string) error
	SetChatVisibility(ctx context.Context, id uuid.UUID, public bool) error
	DeleteChat(ctx context.Context, id uuid.UUID) error

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, chatID uuid.UUID, id string) (*models.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID) ([]models.Message, error)
	DeleteMessageAndDescendants(ctx context.Context, chatID uuid.UUID, id string) error

	// BranchChat copies the ancestor chain from the root up to and including
	// messageID into a new chat owned by ownerID. Copies get fresh ids with
	// parent linkage remapped; content and timestamps are preserved.
	BranchChat(ctx context.Context, sourceChatID uuid.UUID, messageID string, ownerID uuid.UUID) (*models.Chat, error)
}

// newShareToken generates the stable public-access token for a chat.
func newShareToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// branchTitle prefixes a branched chat's title to indicate provenance.
func branchTitle(source string) string {
	return "Branch of " + source
}
