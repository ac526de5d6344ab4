package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/extauth/internal/db"
)

// gormExternalLoginRepository is the GORM implementation of
// ExternalLoginRepository.
type gormExternalLoginRepository struct {
	db *gorm.DB
}

// NewExternalLoginRepository returns an ExternalLoginRepository backed by the
// provided *gorm.DB.
func NewExternalLoginRepository(db *gorm.DB) ExternalLoginRepository {
	return &gormExternalLoginRepository{db: db}
}

// Create links an identity to a user. Returns ErrConflict if the identity is
// already linked.
func (r *gormExternalLoginRepository) Create(ctx context.Context, login *db.ExternalLogin) error {
	if err := r.db.WithContext(ctx).Create(login).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("external_logins: create: %w", err)
	}
	return nil
}

func (r *gormExternalLoginRepository) GetByIdentity(ctx context.Context, provider, externalID string) (*db.ExternalLogin, error) {
	var login db.ExternalLogin
	err := r.db.WithContext(ctx).
		First(&login, "provider = ? AND external_id = ?", provider, externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("external_logins: get by identity: %w", err)
	}
	return &login, nil
}

func (r *gormExternalLoginRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.ExternalLogin, error) {
	var logins []db.ExternalLogin
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&logins).Error; err != nil {
		return nil, fmt.Errorf("external_logins: list by user: %w", err)
	}
	return logins, nil
}

func (r *gormExternalLoginRepository) RecordUse(ctx context.Context, id uuid.UUID, claims db.EncryptedString, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.ExternalLogin{}).
		Where("id = ?", id).
		Updates(map[string]any{"claims": claims, "last_used_at": at})
	if result.Error != nil {
		return fmt.Errorf("external_logins: record use: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
