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

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// GetByUsername retrieves a user by username. Returns ErrNotFound if no
// record exists.
func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) GetByExternalLogin(ctx context.Context, provider, externalID string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		Joins("JOIN external_logins ON external_logins.user_id = users.id").
		Where("external_logins.provider = ? AND external_logins.external_id = ?", provider, externalID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by external login: %w", err)
	}
	return &user, nil
}

// CreateWithExternalLogin inserts both rows or neither. Either unique
// violation (username or identity) yields ErrConflict.
func (r *gormUserRepository) CreateWithExternalLogin(ctx context.Context, user *db.User, login *db.ExternalLogin) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		login.UserID = user.ID
		return tx.Create(login).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("users: create with external login: %w", err)
	}
	return nil
}

// TouchLastLogin sets last_login_at without touching other columns.
func (r *gormUserRepository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", id).
		Update("last_login_at", at)
	if result.Error != nil {
		return fmt.Errorf("users: touch last login: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
