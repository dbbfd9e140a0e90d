//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"time"

	"github.com/pliu/duet/internal/models"
)

// ReadResult reports what a single UpdateRead call changed.
type ReadResult struct {
	Message *models.Message
	// Delivered is true when this call moved the delivered flag to true.
	Delivered bool
	// Read is true when this call moved the read flag to true.
	Read bool
}

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	ListUsers(ctx context.Context, excludeID int) ([]models.User, error)
	SetPresence(ctx context.Context, userID int, online bool, at time.Time) error

	// Message operations
	CreateMessage(ctx context.Context, senderID, receiverID int, body string, delivered bool) (*models.Message, error)
	QueryMessages(ctx context.Context, userA, userB int) ([]models.Message, error)
	// UpdateDeliveredBatch atomically marks every undelivered message from
	// sender to receiver as delivered and returns the ids it changed.
	UpdateDeliveredBatch(ctx context.Context, senderID, receiverID int) ([]int, error)
	// UpdateRead marks a message read, and delivered if it was not yet.
	UpdateRead(ctx context.Context, messageID int) (ReadResult, error)

	Ping(ctx context.Context) error
	Close() error
}
