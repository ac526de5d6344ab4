// Package main implements a one-shot seed command that creates a local user
// and links it to an external login, for deployments that run with
// create_user_if_not_found disabled. When --username names an existing
// user, the login is added to that user instead.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --config ./extauth.yaml \
//	  --provider google \
//	  --external-id 1098765432 \
//	  --email jane@example.com \
//	  --name "Jane Doe"
//
// The configuration file and EXTAUTH_STATE_SECRET must match the server's,
// otherwise the stored claims snapshot cannot be decrypted by it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/config"
	"github.com/arkeep-io/extauth/internal/db"
	"github.com/arkeep-io/extauth/internal/grant"
	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/repositories"
	"github.com/arkeep-io/extauth/internal/state"
)

type options struct {
	configPath string
	provider   string
	externalID string
	username   string
	email      string
	name       string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := newSeedCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newSeedCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create a local user linked to an external login",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o, cmd)
		},
	}

	cmd.Flags().StringVar(&o.configPath, "config", envOrDefault("EXTAUTH_CONFIG", "./extauth.yaml"), "Path to the YAML configuration file")
	cmd.Flags().StringVar(&o.provider, "provider", "", "Provider name as configured (required)")
	cmd.Flags().StringVar(&o.externalID, "external-id", "", "User identifier at the provider (required)")
	cmd.Flags().StringVar(&o.username, "username", "", "Local username; an existing user gets the login linked (default: <provider>_<external-id>)")
	cmd.Flags().StringVar(&o.email, "email", "", "User email")
	cmd.Flags().StringVar(&o.name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("external-id")

	return cmd
}

func run(ctx context.Context, o *options, cmd *cobra.Command) error {
	// ─── Config ───────────────────────────────────────────────────────────────

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if s := os.Getenv("EXTAUTH_STATE_SECRET"); s != "" {
		cfg.State.Secret = s
	}
	if len(cfg.State.Secret) < state.MinSecretLength {
		return fmt.Errorf("state secret must be at least %d bytes; set state.secret or EXTAUTH_STATE_SECRET", state.MinSecretLength)
	}

	// Store the provider under its configured spelling so the grant finds it.
	cfgs, err := cfg.ProviderConfigs()
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(cfgs)
	if err != nil {
		return err
	}
	p, err := registry.Lookup(o.provider)
	if err != nil {
		return fmt.Errorf("provider %q is not configured", o.provider)
	}
	providerName := p.Name

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	secret, _ := cfg.StateSecrets()
	if err := db.InitEncryption(state.DeriveKey(secret, state.PurposeClaims)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Create or link user ──────────────────────────────────────────────────

	users := repositories.NewUserRepository(database)
	logins := repositories.NewExternalLoginRepository(database)

	identity := bridge.ExternalIdentity{
		Provider:   providerName,
		ExternalID: o.externalID,
		Claims:     map[string]string{},
	}
	if o.email != "" {
		identity.Claims["email"] = o.email
	}
	if o.name != "" {
		identity.Claims["name"] = o.name
	}

	out := cmd.OutOrStdout()

	if o.username != "" {
		user, err := grant.LinkUser(ctx, users, logins, o.username, identity)
		switch {
		case err == nil:
			return printLinked(ctx, out, logins, user)
		case errors.Is(err, repositories.ErrConflict):
			return fmt.Errorf("login %s/%s is already linked", providerName, o.externalID)
		case !errors.Is(err, grant.ErrUserNotFound):
			return fmt.Errorf("link login: %w", err)
		}
	}

	username := o.username
	if username == "" {
		username = grant.Username(providerName, o.externalID)
	}

	store := grant.NewRepositoryStore(users, logins)
	user, err := store.CreateUserAndLink(ctx, grant.NewUser{
		Username:    username,
		Email:       o.email,
		DisplayName: o.name,
	}, identity)
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("user %q or login %s/%s already exists", username, providerName, o.externalID)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(out, "✓ User created\n")
	fmt.Fprintf(out, "  ID:       %s\n", user.ID)
	fmt.Fprintf(out, "  Username: %s\n", user.Username)
	fmt.Fprintf(out, "  Login:    %s / %s\n", providerName, o.externalID)

	return nil
}

func printLinked(ctx context.Context, out io.Writer, logins repositories.ExternalLoginRepository, user grant.User) error {
	id, err := uuid.Parse(user.ID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	linked, err := logins.ListByUser(ctx, id)
	if err != nil {
		return fmt.Errorf("list logins: %w", err)
	}

	fmt.Fprintf(out, "✓ Login linked to existing user\n")
	fmt.Fprintf(out, "  ID:       %s\n", user.ID)
	fmt.Fprintf(out, "  Username: %s\n", user.Username)
	for _, l := range linked {
		fmt.Fprintf(out, "  Login:    %s / %s\n", l.Provider, l.ExternalID)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
