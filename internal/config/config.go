// Package config loads the broker configuration from a YAML file. String
// values may reference environment variables as ${NAME}; they are expanded
// before parsing so secrets can stay out of the file. A few settings can
// also be overridden directly from EXTAUTH_* variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

// Config is the whole broker configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	// PublicURL is the externally reachable base URL; callback and relay
	// URLs are built from it.
	PublicURL string `yaml:"public_url"`
	RelayPath string `yaml:"relay_path"`

	// AllowedReturnOrigins limits challenge return URLs. Empty allows any
	// http(s) URL.
	AllowedReturnOrigins []string `yaml:"allowed_return_origins"`

	// CreateUserIfNotFound provisions local users on first external login.
	CreateUserIfNotFound bool `yaml:"create_user_if_not_found"`

	// Clients, when non-empty, is the list of client_id values the token
	// endpoint accepts.
	Clients []string `yaml:"clients"`

	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	Database Database `yaml:"database"`
	State    State    `yaml:"state"`
	Replay   Replay   `yaml:"replay"`
	Tokens   Tokens   `yaml:"tokens"`

	Providers []Provider `yaml:"providers"`

	// envErrs holds environment overrides that could not be parsed; Validate
	// reports them.
	envErrs []error
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// State configures the flow-state codec. Secret must be at least 32 bytes
// and stable across restarts; PreviousSecrets are still accepted when
// decoding so a rotation does not break flows in progress.
type State struct {
	Secret          string        `yaml:"secret"`
	PreviousSecrets []string      `yaml:"previous_secrets"`
	TTL             time.Duration `yaml:"ttl"`
}

// Replay selects where consumed flow nonces are recorded.
type Replay struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	// PurgeInterval and PurgeSchedule drive the cleanup of the database
	// backend.
	PurgeInterval time.Duration `yaml:"purge_interval"`
	PurgeSchedule string        `yaml:"purge_schedule"`
}

// Tokens configures access-token issuance. Without key files an ephemeral
// key pair is generated at startup.
type Tokens struct {
	Issuer         string        `yaml:"issuer"`
	TTL            time.Duration `yaml:"ttl"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	PublicKeyFile  string        `yaml:"public_key_file"`
}

// Provider is one external identity provider entry. Preset fills the
// well-known endpoints; any field set here wins over the preset.
type Provider struct {
	Name   string `yaml:"name"`
	Preset string `yaml:"preset"`
	Tenant string `yaml:"tenant"`
	Kind   string `yaml:"kind"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserinfoEndpoint      string `yaml:"userinfo_endpoint"`
	RequestTokenEndpoint  string `yaml:"request_token_endpoint"`

	Issuer          string `yaml:"issuer"`
	JWKSURL         string `yaml:"jwks_url"`
	SkipIssuerCheck bool   `yaml:"skip_issuer_check"`

	CallbackPath string            `yaml:"callback_path"`
	Scopes       []string          `yaml:"scopes"`
	ResponseType string            `yaml:"response_type"`
	SubjectClaim string            `yaml:"subject_claim"`
	UsePKCE      bool              `yaml:"use_pkce"`
	AuthParams   map[string]string `yaml:"auth_params"`
}

// Defaults.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultLogLevel        = "info"
	DefaultDatabaseDriver  = "sqlite"
	DefaultDatabaseDSN     = "./extauth.db"
	DefaultProviderTimeout = 10 * time.Second
	DefaultTokenTTL        = time.Hour
)

// Load reads path, expands ${NAME} references, applies EXTAUTH_*
// overrides and fills defaults. An empty path yields the defaults plus
// environment overrides. Load does not validate; call Validate.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		data = b
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load for in-memory YAML with a custom environment lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	expanded, err := expandEnv(data, lookup)
	if err != nil {
		return nil, err
	}

	var c Config
	if len(expanded) > 0 {
		dec := yaml.NewDecoder(strings.NewReader(string(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("config: parsing yaml: %w", err)
		}
	}

	c.applyEnvOverrides(lookup)
	c.applyDefaults()
	return &c, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the variable's value. Unset variables are
// an error so a missing secret is not silently read as empty.
func expandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
			return nil
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	str := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := str("EXTAUTH_STATE_PREVIOUS_SECRETS"); ok {
		c.State.PreviousSecrets = splitCSV(v)
	}
	if v, ok := str("EXTAUTH_REPLAY_BACKEND"); ok {
		c.Replay.Backend = v
	}
	if v, ok := str("EXTAUTH_REDIS_ADDR"); ok {
		c.Replay.Redis.Addr = v
	}
	if v, ok := str("EXTAUTH_REDIS_PASSWORD"); ok {
		c.Replay.Redis.Password = v
	}
	if v, ok := str("EXTAUTH_CREATE_USER_IF_NOT_FOUND"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("EXTAUTH_CREATE_USER_IF_NOT_FOUND: %q is not a boolean", v))
		} else {
			c.CreateUserIfNotFound = b
		}
	}
	if v, ok := str("EXTAUTH_ALLOWED_RETURN_ORIGINS"); ok {
		c.AllowedReturnOrigins = splitCSV(v)
	}
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDatabaseDSN
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	if c.State.TTL <= 0 {
		c.State.TTL = state.DefaultTTL
	}
	if c.Replay.Backend == "" {
		c.Replay.Backend = state.ReplayMemory
	}
	if c.Tokens.TTL <= 0 {
		c.Tokens.TTL = DefaultTokenTTL
	}
}

// Validate checks the settings needed to serve traffic.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)

	if u, err := url.Parse(c.PublicURL); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, errors.New("public_url must be an absolute URL"))
	}
	if len(c.State.Secret) < state.MinSecretLength {
		errs = append(errs, fmt.Errorf("state secret must be at least %d bytes", state.MinSecretLength))
	}
	for i, s := range c.State.PreviousSecrets {
		if len(s) < state.MinSecretLength {
			errs = append(errs, fmt.Errorf("previous state secret #%d must be at least %d bytes", i+1, state.MinSecretLength))
		}
	}

	switch c.Replay.Backend {
	case state.ReplayNone, state.ReplayMemory, state.ReplayDatabase:
	case state.ReplayRedis:
		if c.Replay.Redis.Addr == "" {
			errs = append(errs, errors.New("replay.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown replay backend %q", c.Replay.Backend))
	}

	if (c.Tokens.PrivateKeyFile == "") != (c.Tokens.PublicKeyFile == "") {
		errs = append(errs, errors.New("tokens.private_key_file and tokens.public_key_file must be set together"))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider must be configured"))
	}
	if cfgs, err := c.ProviderConfigs(); err != nil {
		errs = append(errs, err)
	} else if _, err := provider.NewRegistry(cfgs); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ProviderConfigs converts the provider entries, applying presets. The
// result is ready for provider.NewRegistry, which runs the per-kind checks.
func (c *Config) ProviderConfigs() ([]provider.Config, error) {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		cfg := provider.Config{
			Name:                  p.Name,
			Kind:                  provider.ProtocolKind(strings.ToLower(p.Kind)),
			ClientID:              p.ClientID,
			ClientSecret:          p.ClientSecret,
			AuthorizationEndpoint: p.AuthorizationEndpoint,
			TokenEndpoint:         p.TokenEndpoint,
			UserinfoEndpoint:      p.UserinfoEndpoint,
			RequestTokenEndpoint:  p.RequestTokenEndpoint,
			Issuer:                p.Issuer,
			JWKSURL:               p.JWKSURL,
			SkipIssuerCheck:       p.SkipIssuerCheck,
			CallbackPath:          p.CallbackPath,
			Scopes:                p.Scopes,
			ResponseType:          p.ResponseType,
			SubjectClaim:          p.SubjectClaim,
			UsePKCE:               p.UsePKCE,
			AuthParams:            p.AuthParams,
		}
		if cfg.Name == "" {
			cfg.Name = p.Preset
		}
		cfg, err := provider.ApplyPreset(cfg, p.Preset, p.Tenant)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// StateSecrets returns the current secret and the previous ones as bytes.
func (c *Config) StateSecrets() ([]byte, [][]byte) {
	prev := make([][]byte, 0, len(c.State.PreviousSecrets))
	for _, s := range c.State.PreviousSecrets {
		prev = append(prev, []byte(s))
	}
	return []byte(c.State.Secret), prev
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
