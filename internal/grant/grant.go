// Package grant implements the "external" extension grant of the token
// endpoint: it redeems a relayed provider code, resolves the local user
// linked to the external identity (creating one when allowed) and returns
// the subject claims to put into the issued token.
package grant

import (
	"context"
	"errors"

	"github.com/arkeep-io/extauth/internal/bridge"
)

// GrantType is the grant_type value handled by the Validator.
const GrantType = "external"

// Sentinel errors. Only ErrUserCreationFailed and store failures are
// returned as Go errors by Validate; the others travel in Result.Err.
var (
	ErrInvalidRequest     = errors.New("grant: code and provider are required")
	ErrUserNotFound       = errors.New("grant: no local user for external login")
	ErrUserDisabled       = errors.New("grant: local user is disabled")
	ErrUserCreationFailed = errors.New("grant: creating local user failed")
)

// OAuth2 error codes and the description sent on denial. The description
// is the same whether the provider refused the code or no local user
// exists, so clients cannot tell the two apart.
const (
	ErrorInvalidRequest     = "invalid_request"
	ErrorUnauthorizedClient = "unauthorized_client"

	UserNotFoundDescription = "login_external_UserNotFound"
)

// Outcome is the terminal state of a validation.
type Outcome string

const (
	OutcomeLinkedUserFound     Outcome = "linked_user_found"
	OutcomeUserAutoProvisioned Outcome = "user_auto_provisioned"
	OutcomeDenied              Outcome = "denied"
	OutcomeInvalidRequest      Outcome = "invalid_request"
)

// Result is the single value produced by Validate.
type Result struct {
	Outcome Outcome

	// Set on success.
	Subject string
	User    User
	Claims  map[string]string

	// Set on denial and invalid requests.
	Err              error
	ErrorCode        string
	ErrorDescription string
}

// Success reports whether a token may be issued.
func (r Result) Success() bool {
	return r.Outcome == OutcomeLinkedUserFound || r.Outcome == OutcomeUserAutoProvisioned
}

// User is the local account a grant resolves to.
type User struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	Active      bool
}

// NewUser describes an account to auto-provision.
type NewUser struct {
	Username    string
	Email       string
	DisplayName string
}

// Store is the identity store as seen by the validator.
type Store interface {
	// FindUserByExternalLogin returns ErrUserNotFound when no user is linked
	// to (provider, externalID).
	FindUserByExternalLogin(ctx context.Context, provider, externalID string) (User, error)

	// CreateUserAndLink creates the user and its login link atomically:
	// either both exist afterwards or neither does.
	CreateUserAndLink(ctx context.Context, user NewUser, identity bridge.ExternalIdentity) (User, error)

	// RecordLogin stores the latest claims snapshot and login time.
	RecordLogin(ctx context.Context, user User, identity bridge.ExternalIdentity) error
}

// Exchanger redeems a relayed code. *bridge.Bridge implements it.
type Exchanger interface {
	Exchange(ctx context.Context, providerName, code, redirectURI string) (bridge.ExternalIdentity, error)
}
