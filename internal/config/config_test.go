package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIRROR_INTERNAL_TOKEN", "supersecret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8085", cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7200, cfg.CacheTTLSeconds)
	assert.Equal(t, int64(1<<30), cfg.CacheMaxBytes)
	assert.False(t, cfg.EnableHTTP)
}

func TestLoadRejectsShortToken(t *testing.T) {
	t.Setenv("MIRROR_INTERNAL_TOKEN", "short")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsMissingToken(t *testing.T) {
	t.Setenv("MIRROR_INTERNAL_TOKEN", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("MIRROR_INTERNAL_TOKEN", "supersecret")
	t.Setenv("PORT", "9090")
	t.Setenv("MIRROR_CACHE_TTL_SECONDS", "60")
	t.Setenv("MIRROR_ENABLE_HTTP", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 60, cfg.CacheTTLSeconds)
	assert.True(t, cfg.EnableHTTP)
}
