package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/db"
	"github.com/arkeep-io/extauth/internal/provider"
)

func newMigrateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver:         cfg.Database.Driver,
				DSN:            cfg.Database.DSN,
				Logger:         logger,
				SkipMigrations: true,
			})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if sqlDB, err := database.DB(); err == nil {
				defer sqlDB.Close()
			}

			v, err := db.Migrate(database, cfg.Database.Driver, logger)
			if err != nil {
				return err
			}
			logger.Info("database schema is current", zap.Uint("version", v))
			return nil
		},
	}
}

func newProvidersCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the configured providers and their callback URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			cfgs, err := cfg.ProviderConfigs()
			if err != nil {
				return err
			}
			registry, err := provider.NewRegistry(cfgs)
			if err != nil {
				return err
			}

			base := strings.TrimRight(cfg.PublicURL, "/")
			out := cmd.OutOrStdout()
			for _, p := range registry.All() {
				fmt.Fprintf(out, "%-12s %-7s %s%s\n", p.Name, p.Kind, base, p.CallbackPath)
			}
			return nil
		},
	}
}
