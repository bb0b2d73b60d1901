package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.APIPort)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "burrow.db", cfg.Database.Path)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "  padded-secret \n")
	t.Setenv("PORT", "9000")
	t.Setenv("BASE_URL", "https://tunnel.example.com/")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/burrow")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "padded-secret", cfg.Auth.JWTSecret, "secret must be trimmed")
	assert.Equal(t, "https://tunnel.example.com", cfg.Server.BaseURL, "trailing slash stripped")
	assert.Equal(t, "postgres://u:p@db:5432/burrow", cfg.Database.URL)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
  base_url: http://local.test:9999
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "http://local.test:9999", cfg.Server.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadBaseURLTracksPort(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "8123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8123", cfg.Server.BaseURL)
}
