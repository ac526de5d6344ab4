package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
public_url: https://auth.example.test
state:
  secret: 0123456789abcdef0123456789abcdef
providers:
  - preset: github
    client_id: gh-client
    client_secret: gh-secret
  - name: corp
    kind: oauth2
    client_id: corp-client
    authorization_endpoint: https://corp.example/authorize
    token_endpoint: https://corp.example/token
    userinfo_endpoint: https://corp.example/me
    callback_path: /signin-corp
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	return path
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	cfg, err := loadConfig(&flags{
		configPath: writeConfig(t),
		httpAddr:   ":9999",
		dbDSN:      "file::memory:",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
	assert.Equal(t, "https://auth.example.test", cfg.PublicURL)
	assert.Equal(t, cfg.PublicURL, cfg.Tokens.Issuer)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(&flags{
		configPath:  filepath.Join(t.TempDir(), "absent.yaml"),
		publicURL:   "https://auth.example.test",
		stateSecret: strings.Repeat("x", 32),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.test", cfg.Tokens.Issuer)
	// No providers configured.
	assert.Error(t, cfg.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("EXTAUTH_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("EXTAUTH_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("EXTAUTH_TEST_DOTENV"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("EXTAUTH_TEST_DOTENV"))
}

func TestProvidersCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"providers", "--config", writeConfig(t)})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "https://auth.example.test/external-auth/callback-github")
	assert.Contains(t, out.String(), "https://auth.example.test/signin-corp")
}

func TestMigrateCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{
		"migrate",
		"--config", writeConfig(t),
		"--db-dsn", filepath.Join(t.TempDir(), "extauth.db"),
		"--log-level", "error",
	})
	require.NoError(t, root.Execute())
}
