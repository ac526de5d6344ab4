package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/arkeep-io/extauth/internal/db"
)

// gormConsumedStateRepository is the GORM implementation of
// ConsumedStateRepository. The primary key on key_hash makes Insert an
// atomic test-and-set across every process sharing the database.
type gormConsumedStateRepository struct {
	db *gorm.DB
}

// NewConsumedStateRepository returns a ConsumedStateRepository backed by the
// provided *gorm.DB.
func NewConsumedStateRepository(db *gorm.DB) ConsumedStateRepository {
	return &gormConsumedStateRepository{db: db}
}

func (r *gormConsumedStateRepository) Insert(ctx context.Context, keyHash string, expiresAt time.Time) error {
	row := db.ConsumedState{KeyHash: keyHash, ExpiresAt: expiresAt.UTC()}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("consumed_states: insert: %w", err)
	}
	return nil
}

func (r *gormConsumedStateRepository) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", t.UTC()).
		Delete(&db.ConsumedState{})
	if result.Error != nil {
		return 0, fmt.Errorf("consumed_states: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
