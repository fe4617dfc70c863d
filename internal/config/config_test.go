package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("RABBITMQ_URL", "")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, 30*time.Second, cfg.AvailabilityCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	// optional backends stay off unless configured
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.RabbitMQURL)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "DB_DRIVER=postgres\nAVAILABILITY_CACHE_TTL=10s\nAPI_TOKENS=abc:alice\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"), []byte(content), 0o600))
	t.Setenv("DB_DRIVER", "memory")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, 10*time.Second, cfg.AvailabilityCacheTTL)
	tokens, err := cfg.Tokens()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"abc": "alice"}, tokens)
}

func TestLoadConfig_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")

	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestTokens_Malformed(t *testing.T) {
	_, err := Config{APITokens: "abc"}.Tokens()
	assert.Error(t, err)

	tokens, err := Config{APITokens: " a:x , b:y ,"}.Tokens()
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
