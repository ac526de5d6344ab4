package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep-io/extauth/internal/db"
)

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	GetByUsername(ctx context.Context, username string) (*db.User, error)

	// GetByExternalLogin returns the user linked to (provider, externalID).
	GetByExternalLogin(ctx context.Context, provider, externalID string) (*db.User, error)

	// CreateWithExternalLogin inserts user and its first login link in one
	// transaction. login.UserID is set from the created user.
	CreateWithExternalLogin(ctx context.Context, user *db.User, login *db.ExternalLogin) error

	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// ExternalLoginRepository
// -----------------------------------------------------------------------------

type ExternalLoginRepository interface {
	Create(ctx context.Context, login *db.ExternalLogin) error
	GetByIdentity(ctx context.Context, provider, externalID string) (*db.ExternalLogin, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.ExternalLogin, error)

	// RecordUse stores the latest claims snapshot and the time of use.
	RecordUse(ctx context.Context, id uuid.UUID, claims db.EncryptedString, at time.Time) error
}

// -----------------------------------------------------------------------------
// ConsumedStateRepository
// -----------------------------------------------------------------------------

type ConsumedStateRepository interface {
	// Insert records keyHash as consumed. It returns ErrConflict when the key
	// is already present.
	Insert(ctx context.Context, keyHash string, expiresAt time.Time) error

	// DeleteExpired removes rows whose expiry is before t and returns how
	// many were removed.
	DeleteExpired(ctx context.Context, t time.Time) (int64, error)
}
