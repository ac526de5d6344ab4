package grant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/metrics"
)

// Config holds the validator dependencies.
type Config struct {
	Exchanger Exchanger
	Store     Store

	// CreateUserIfNotFound provisions a local user on the first login of an
	// unknown external identity. When false such logins are denied.
	CreateUserIfNotFound bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Validator runs the external grant. It is safe for concurrent use.
type Validator struct {
	exchanger  Exchanger
	store      Store
	autoCreate bool
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewValidator returns a Validator. Exchanger and Store are required.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Exchanger == nil || cfg.Store == nil {
		return nil, errors.New("grant: exchanger and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		exchanger:  cfg.Exchanger,
		store:      cfg.Store,
		autoCreate: cfg.CreateUserIfNotFound,
		logger:     logger.Named("grant"),
		metrics:    cfg.Metrics,
	}, nil
}

// Validate runs the grant for the raw token request parameters (code,
// provider and an optional redirect_uri). Every denial is reported through
// the returned Result. A non-nil error means the identity store failed and
// the request must be answered with a server error.
func (v *Validator) Validate(ctx context.Context, params url.Values) (Result, error) {
	res, err := v.validate(ctx, params)
	if err != nil {
		v.metrics.Grant("error")
		return Result{}, err
	}
	v.metrics.Grant(string(res.Outcome))
	return res, nil
}

func (v *Validator) validate(ctx context.Context, params url.Values) (Result, error) {
	// Received
	code := strings.TrimSpace(params.Get("code"))
	providerName := strings.TrimSpace(params.Get("provider"))
	if code == "" || providerName == "" {
		return Result{
			Outcome:          OutcomeInvalidRequest,
			Err:              ErrInvalidRequest,
			ErrorCode:        ErrorInvalidRequest,
			ErrorDescription: "code and provider are required",
		}, nil
	}

	// Validated
	identity, err := v.exchanger.Exchange(ctx, providerName, code, params.Get("redirect_uri"))
	if err != nil {
		v.logger.Info("external code rejected",
			zap.String("provider", providerName),
			zap.String("error_code", bridge.ErrorCode(err)),
			zap.Error(err),
		)
		return denied(fmt.Errorf("%w: %w", ErrUserNotFound, err)), nil
	}

	log := v.logger.With(
		zap.String("provider", identity.Provider),
		zap.String("external_id", identity.ExternalID),
	)

	user, err := v.store.FindUserByExternalLogin(ctx, identity.Provider, identity.ExternalID)
	switch {
	case err == nil:
		return v.success(ctx, log, OutcomeLinkedUserFound, user, identity), nil
	case !errors.Is(err, ErrUserNotFound):
		return Result{}, fmt.Errorf("grant: looking up external login: %w", err)
	case !v.autoCreate:
		log.Info("no local user for external login")
		return denied(ErrUserNotFound), nil
	}

	user, err = v.store.CreateUserAndLink(ctx, newUserFor(identity), identity)
	if err != nil {
		// A concurrent request for the same identity may have won the race.
		if existing, lookupErr := v.store.FindUserByExternalLogin(ctx, identity.Provider, identity.ExternalID); lookupErr == nil {
			return v.success(ctx, log, OutcomeLinkedUserFound, existing, identity), nil
		}
		log.Error("auto-provisioning failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrUserCreationFailed, err)
	}

	log.Info("local user provisioned", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return v.success(ctx, log, OutcomeUserAutoProvisioned, user, identity), nil
}

func (v *Validator) success(ctx context.Context, log *zap.Logger, outcome Outcome, user User, identity bridge.ExternalIdentity) Result {
	if !user.Active {
		log.Info("external login for disabled user", zap.String("user_id", user.ID))
		return denied(ErrUserDisabled)
	}
	// A provisioned user was stored with this login's snapshot already.
	if outcome == OutcomeLinkedUserFound {
		if err := v.store.RecordLogin(ctx, user, identity); err != nil {
			log.Warn("recording login failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return Result{
		Outcome: outcome,
		Subject: user.ID,
		User:    user,
		Claims:  subjectClaims(user, identity),
	}
}

func denied(err error) Result {
	return Result{
		Outcome:          OutcomeDenied,
		Err:              err,
		ErrorCode:        ErrorUnauthorizedClient,
		ErrorDescription: UserNotFoundDescription,
	}
}

// Username is the deterministic local username for an external identity.
func Username(provider, externalID string) string {
	return provider + "_" + externalID
}

func newUserFor(identity bridge.ExternalIdentity) NewUser {
	return NewUser{
		Username:    Username(identity.Provider, identity.ExternalID),
		Email:       identity.Claims["email"],
		DisplayName: firstNonEmpty(identity.Claims["name"], identity.Claims["screen_name"], identity.Claims["preferred_username"]),
	}
}

// subjectClaims are the claims of the issued token.
func subjectClaims(user User, identity bridge.ExternalIdentity) map[string]string {
	claims := map[string]string{
		"sub":                user.ID,
		"id":                 user.ID,
		"idp":                identity.Provider,
		"amr":                "external",
		"preferred_username": user.Username,
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.DisplayName != "" {
		claims["name"] = user.DisplayName
	}
	return claims
}

func firstNonEmpty(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}
