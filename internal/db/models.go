package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base holds the fields shared by every entity. IDs are UUID v7 so they sort
// by creation time.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUID v7 when the ID is unset.
func (b *base) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// User is a local account. Users have no password; they only sign in
// through linked external logins.
type User struct {
	base
	Username    string `gorm:"uniqueIndex;not null"`
	Email       string `gorm:"not null;default:''"`
	DisplayName string `gorm:"not null;default:''"`
	IsActive    bool   `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// ExternalLogin links a provider identity to a local user. A
// (provider, external id) pair belongs to at most one user.
type ExternalLogin struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	Provider   string    `gorm:"not null;uniqueIndex:idx_external_logins_identity"`
	ExternalID string    `gorm:"not null;uniqueIndex:idx_external_logins_identity"`

	// Claims is the JSON profile snapshot from the last sign-in.
	Claims     EncryptedString `gorm:"type:text"`
	LastUsedAt *time.Time
}

// ConsumedState records a flow nonce that has already been redeemed. Rows
// are kept until ExpiresAt, after which the nonce's token is expired anyway
// and the purge job removes them.
type ConsumedState struct {
	KeyHash   string    `gorm:"primaryKey"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}
