package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flags holds the command-line settings. Non-empty values override the
// configuration file.
type flags struct {
	configPath  string
	httpAddr    string
	publicURL   string
	stateSecret string
	dbDriver    string
	dbDSN       string
	logLevel    string
}

func main() {
	// Flag defaults read the environment, so the dotenv file goes first.
	if err := loadEnvFile(envOrDefault("EXTAUTH_ENV_FILE", ".env")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "extauth",
		Short: "External login broker for single-page applications",
		Long: `extauth signs users in through external identity providers
(OAuth2, OpenID Connect, OAuth1) from a browser popup and exchanges the
relayed provider code for an access token at its token endpoint.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newServeCmd(f))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(f))
	root.AddCommand(newProvidersCmd(f))

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("EXTAUTH_CONFIG", "./extauth.yaml"), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&f.httpAddr, "http-addr", envOrDefault("EXTAUTH_HTTP_ADDR", ""), "HTTP listen address (overrides http_addr)")
	root.PersistentFlags().StringVar(&f.publicURL, "public-url", envOrDefault("EXTAUTH_PUBLIC_URL", ""), "Externally reachable base URL (overrides public_url)")
	root.PersistentFlags().StringVar(&f.stateSecret, "state-secret", envOrDefault("EXTAUTH_STATE_SECRET", ""), "Secret of at least 32 bytes sealing flow state (overrides state.secret)")
	root.PersistentFlags().StringVar(&f.dbDriver, "db-driver", envOrDefault("EXTAUTH_DB_DRIVER", ""), "Database driver, sqlite or postgres (overrides database.driver)")
	root.PersistentFlags().StringVar(&f.dbDSN, "db-dsn", envOrDefault("EXTAUTH_DB_DSN", ""), "Database DSN or SQLite file path (overrides database.dsn)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("EXTAUTH_LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides log_level)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("extauth %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the configuration file and applies flag overrides. A
// missing file at the default location is treated as an empty file.
func loadConfig(f *flags) (*config.Config, error) {
	path := f.configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, f)
	return cfg, nil
}

func applyFlags(cfg *config.Config, f *flags) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTPAddr, f.httpAddr)
	set(&cfg.PublicURL, f.publicURL)
	set(&cfg.State.Secret, f.stateSecret)
	set(&cfg.Database.Driver, f.dbDriver)
	set(&cfg.Database.DSN, f.dbDSN)
	set(&cfg.LogLevel, f.logLevel)
	if cfg.Tokens.Issuer == "" {
		cfg.Tokens.Issuer = cfg.PublicURL
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
