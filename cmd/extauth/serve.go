package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/extauth/internal/api"
	"github.com/arkeep-io/extauth/internal/auth"
	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/config"
	"github.com/arkeep-io/extauth/internal/db"
	"github.com/arkeep-io/extauth/internal/grant"
	"github.com/arkeep-io/extauth/internal/metrics"
	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/repositories"
	"github.com/arkeep-io/extauth/internal/scheduler"
	"github.com/arkeep-io/extauth/internal/state"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting extauth",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("public_url", cfg.PublicURL),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("replay_backend", cfg.Replay.Backend),
		zap.Bool("create_user_if_not_found", cfg.CreateUserIfNotFound),
	)
	if len(cfg.AllowedReturnOrigins) == 0 {
		logger.Warn("allowed_return_origins is empty, any http(s) return URL is accepted")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Store ---
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := database.DB(); err == nil {
		defer sqlDB.Close()
	}

	users := repositories.NewUserRepository(database)
	logins := repositories.NewExternalLoginRepository(database)

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// --- Replay guard ---
	replay, closeReplay, err := buildReplayGuard(cfg, database, logger, m)
	if err != nil {
		return err
	}
	defer closeReplay()

	// --- Bridge ---
	providerCfgs, err := cfg.ProviderConfigs()
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(providerCfgs)
	if err != nil {
		return err
	}

	secret, previous := cfg.StateSecrets()
	states, err := state.NewCodec(state.CodecConfig{Secret: secret, PreviousSecrets: previous, Purpose: state.PurposeState, TTL: cfg.State.TTL})
	if err != nil {
		return err
	}
	codes, err := state.NewCodec(state.CodecConfig{Secret: secret, PreviousSecrets: previous, Purpose: state.PurposeCode, TTL: cfg.State.TTL})
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Config{
		Registry:             registry,
		States:               states,
		Codes:                codes,
		Replay:               replay,
		PublicURL:            cfg.PublicURL,
		RelayPath:            cfg.RelayPath,
		AllowedReturnOrigins: cfg.AllowedReturnOrigins,
		HTTPTimeout:          cfg.ProviderTimeout,
		Logger:               logger,
		Metrics:              m,
	})
	if err != nil {
		return err
	}
	for _, p := range registry.All() {
		logger.Info("provider registered",
			zap.String("provider", p.Name),
			zap.String("kind", string(p.Kind)),
			zap.String("callback_url", b.CallbackURL(p)),
		)
	}

	// --- Grant + tokens ---
	validator, err := grant.NewValidator(grant.Config{
		Exchanger:            b,
		Store:                grant.NewRepositoryStore(users, logins),
		CreateUserIfNotFound: cfg.CreateUserIfNotFound,
		Logger:               logger,
		Metrics:              m,
	})
	if err != nil {
		return err
	}

	tokens, err := buildJWTManager(cfg, logger)
	if err != nil {
		return err
	}

	// --- HTTP ---
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Bridge:    b,
			Validator: validator,
			Tokens:    tokens,
			Metrics:   m,
			Logger:    logger,
			Clients:   cfg.Clients,
			Health:    func(ctx context.Context) error { return db.Ping(ctx, database) },
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down extauth")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openDatabase initializes claims encryption and opens the store, applying
// pending migrations.
func openDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	secret, _ := cfg.StateSecrets()
	if err := db.InitEncryption(state.DeriveKey(secret, state.PurposeClaims)); err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}

	level := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		level = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   logger,
		LogLevel: level,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

// buildReplayGuard returns the configured guard and a function releasing
// what it holds (redis connection, purge scheduler).
func buildReplayGuard(cfg *config.Config, database *gorm.DB, logger *zap.Logger, m *metrics.Metrics) (state.ReplayGuard, func(), error) {
	noop := func() {}

	switch cfg.Replay.Backend {
	case state.ReplayNone:
		logger.Warn("replay guard disabled, captured callback URLs can be replayed within the state TTL")
		return state.NopReplayGuard{}, noop, nil

	case state.ReplayMemory:
		return state.NewMemoryReplayGuard(cfg.State.TTL), noop, nil

	case state.ReplayRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Replay.Redis.Addr,
			Password: cfg.Replay.Redis.Password,
			DB:       cfg.Replay.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis replay guard: %w", err)
		}
		return state.NewRedisReplayGuard(client, cfg.Replay.Redis.Prefix), func() { _ = client.Close() }, nil

	case state.ReplayDatabase:
		repo := repositories.NewConsumedStateRepository(database)
		sched, err := scheduler.New(scheduler.Config{
			ConsumedStates: repo,
			PurgeInterval:  cfg.Replay.PurgeInterval,
			PurgeSchedule:  cfg.Replay.PurgeSchedule,
			Logger:         logger,
			Metrics:        m,
		})
		if err != nil {
			return nil, nil, err
		}
		sched.Start()
		return state.NewDBReplayGuard(repo), func() {
			if err := sched.Stop(); err != nil {
				logger.Warn("scheduler shutdown failed", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown replay backend %q", cfg.Replay.Backend)
	}
}

func buildJWTManager(cfg *config.Config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.Tokens.PrivateKeyFile != "" {
		return auth.NewJWTManagerFromFiles(cfg.Tokens.PrivateKeyFile, cfg.Tokens.PublicKeyFile, cfg.Tokens.Issuer, cfg.Tokens.TTL)
	}
	logger.Warn("no token signing key configured, generated an ephemeral key pair; tokens will not survive a restart")
	return auth.NewJWTManagerGenerated(cfg.Tokens.Issuer, cfg.Tokens.TTL)
}
