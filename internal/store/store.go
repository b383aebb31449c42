package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pliu/alumnichat/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotAParticipant = errors.New("not a participant")
	ErrInvalidArgument = errors.New("invalid argument")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	SetUserActive(ctx context.Context, id string, active bool) error

	// Conversation operations
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	FindDirect(ctx context.Context, userA, userB string) (*models.Conversation, error)
	FindOrCreateDirect(ctx context.Context, userA, userB string) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	SoftDelete(ctx context.Context, userID, conversationID string) error

	// Message operations
	PostMessage(ctx context.Context, conversationID, senderID, body string) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, bool, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}
