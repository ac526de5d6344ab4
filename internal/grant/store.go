package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/db"
	"github.com/arkeep-io/extauth/internal/repositories"
)

// repositoryStore adapts the GORM repositories to Store.
type repositoryStore struct {
	users  repositories.UserRepository
	logins repositories.ExternalLoginRepository
	now    func() time.Time
}

// NewRepositoryStore returns a Store backed by the user and external login
// repositories.
func NewRepositoryStore(users repositories.UserRepository, logins repositories.ExternalLoginRepository) Store {
	return &repositoryStore{users: users, logins: logins, now: time.Now}
}

func (s *repositoryStore) FindUserByExternalLogin(ctx context.Context, provider, externalID string) (User, error) {
	u, err := s.users.GetByExternalLogin(ctx, provider, externalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return toUser(u), nil
}

func (s *repositoryStore) CreateUserAndLink(ctx context.Context, nu NewUser, identity bridge.ExternalIdentity) (User, error) {
	claims, err := marshalClaims(identity.Claims)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()

	u := &db.User{
		Username:    nu.Username,
		Email:       nu.Email,
		DisplayName: nu.DisplayName,
		IsActive:    true,
		LastLoginAt: &now,
	}
	login := &db.ExternalLogin{
		Provider:   identity.Provider,
		ExternalID: identity.ExternalID,
		Claims:     claims,
		LastUsedAt: &now,
	}
	if err := s.users.CreateWithExternalLogin(ctx, u, login); err != nil {
		return User{}, err
	}
	return toUser(u), nil
}

// RecordLogin refreshes the claims snapshot and the login timestamps.
func (s *repositoryStore) RecordLogin(ctx context.Context, _ User, identity bridge.ExternalIdentity) error {
	login, err := s.logins.GetByIdentity(ctx, identity.Provider, identity.ExternalID)
	if err != nil {
		return fmt.Errorf("grant: loading login: %w", err)
	}
	claims, err := marshalClaims(identity.Claims)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	if err := s.logins.RecordUse(ctx, login.ID, claims, now); err != nil {
		return err
	}
	return s.users.TouchLastLogin(ctx, login.UserID, now)
}

// LinkUser attaches identity to the existing user named username. It returns
// ErrUserNotFound when there is no such user and repositories.ErrConflict
// when the identity is already linked to someone.
func LinkUser(ctx context.Context, users repositories.UserRepository, logins repositories.ExternalLoginRepository, username string, identity bridge.ExternalIdentity) (User, error) {
	u, err := users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	claims, err := marshalClaims(identity.Claims)
	if err != nil {
		return User{}, err
	}
	if err := logins.Create(ctx, &db.ExternalLogin{
		UserID:     u.ID,
		Provider:   identity.Provider,
		ExternalID: identity.ExternalID,
		Claims:     claims,
	}); err != nil {
		return User{}, err
	}
	return toUser(u), nil
}

func marshalClaims(claims map[string]string) (db.EncryptedString, error) {
	if len(claims) == 0 {
		return "", nil
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("grant: encoding claims: %w", err)
	}
	return db.EncryptedString(b), nil
}

func toUser(u *db.User) User {
	return User{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Active:      u.IsActive,
	}
}
