package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setulabs/skp-cache/cache"
)

func TestDefaultConfig(t *testing.T) {
	cfg := cache.DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.DefaultTTL)
	assert.InDelta(t, 0.1, cfg.TTLJitter, 1e-9)
	assert.True(t, cfg.Coalescing)
	assert.False(t, cfg.EarlyRefresh)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cache.Config)
		field  string
	}{
		{"NegativeTTL", func(c *cache.Config) { c.DefaultTTL = -time.Second }, "default_ttl"},
		{"JitterBelowZero", func(c *cache.Config) { c.TTLJitter = -0.1 }, "ttl_jitter"},
		{"JitterAboveOne", func(c *cache.Config) { c.TTLJitter = 1.1 }, "ttl_jitter"},
		{"NegativeBeta", func(c *cache.Config) { c.EarlyRefreshBeta = -1 }, "early_refresh_beta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cache.DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var cfgErr *cache.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadConfigBytes(t *testing.T) {
	yaml := []byte(`
namespace: svc
default_ttl: 30s
ttl_jitter: 0.25
early_refresh: true
coalescing: false
`)

	cfg, err := cache.LoadConfigBytes(yaml)
	require.NoError(t, err)

	assert.Equal(t, "svc", cfg.Namespace)
	assert.Equal(t, 30*time.Second, cfg.DefaultTTL)
	assert.InDelta(t, 0.25, cfg.TTLJitter, 1e-9)
	assert.True(t, cfg.EarlyRefresh)
	assert.False(t, cfg.Coalescing)
	// Unset keys keep their defaults.
	assert.InDelta(t, cache.DefaultEarlyRefreshBeta, cfg.EarlyRefreshBeta, 1e-9)
}

func TestLoadConfigBytesDefaultsWhenEmpty(t *testing.T) {
	cfg, err := cache.LoadConfigBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultConfig().DefaultTTL, cfg.DefaultTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CACHE_NAMESPACE", "from-env")
	t.Setenv("CACHE_DEFAULT_TTL", "90s")

	cfg, err := cache.LoadConfigBytes([]byte("namespace: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, 90*time.Second, cfg.DefaultTTL)
}

func TestLoadConfigBytesRejectsInvalid(t *testing.T) {
	_, err := cache.LoadConfigBytes([]byte("ttl_jitter: 2.0\n"))
	var cfgErr *cache.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := cache.LoadConfig("/nonexistent/cache.yaml")
	var cfgErr *cache.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "file", cfgErr.Field)
}
