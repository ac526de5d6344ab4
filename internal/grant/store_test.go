package grant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/repositories"
)

func TestLinkUser(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t)
	users := repositories.NewUserRepository(ts.db)

	_, err := LinkUser(ctx, users, ts.logins, "nobody", googleU1)
	assert.True(t, errors.Is(err, ErrUserNotFound))

	created, err := ts.store.CreateUserAndLink(ctx, NewUser{Username: "jane"}, googleU1)
	require.NoError(t, err)

	github := bridge.ExternalIdentity{Provider: "github", ExternalID: "42", Claims: map[string]string{"login": "jane"}}
	linked, err := LinkUser(ctx, users, ts.logins, "jane", github)
	require.NoError(t, err)
	assert.Equal(t, created.ID, linked.ID)

	found, err := ts.store.FindUserByExternalLogin(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = LinkUser(ctx, users, ts.logins, "jane", github)
	assert.True(t, errors.Is(err, repositories.ErrConflict))
}
