package cache

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds the manager-wide settings.
type Config struct {
	// Namespace is prefixed to every key as "<ns>:<key>". Empty means
	// no prefix.
	Namespace string `koanf:"namespace"`

	// DefaultTTL applies to writes without an explicit TTL. Zero means
	// entries without a TTL never expire.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// TTLJitter in [0,1] randomly extends each written TTL by up to
	// that fraction, de-synchronizing expirations.
	TTLJitter float64 `koanf:"ttl_jitter"`

	// EarlyRefresh enables probabilistic early refresh for all entries.
	// Individual entries can also opt in via WithEarlyRefresh.
	EarlyRefresh bool `koanf:"early_refresh"`

	// EarlyRefreshBeta is the β constant of the refresh formula
	// (default 1.0). Higher values refresh earlier.
	EarlyRefreshBeta float64 `koanf:"early_refresh_beta"`

	// Coalescing enables request coalescing for every GetOrCompute.
	// Individual calls can also opt in via WithCoalescing.
	Coalescing bool `koanf:"coalescing"`
}

// DefaultConfig returns sensible defaults: 5 minute TTL, 10% jitter,
// coalescing on, early refresh off.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:       DefaultTTL,
		TTLJitter:        DefaultTTLJitter,
		EarlyRefreshBeta: DefaultEarlyRefreshBeta,
		Coalescing:       true,
	}
}

// Validate performs fail-fast validation of manager configuration.
func (c *Config) Validate() error {
	if c.DefaultTTL < 0 {
		return NewConfigError("default_ttl", "cannot be negative", nil)
	}
	if c.TTLJitter < 0 || c.TTLJitter > 1 {
		return NewConfigError("ttl_jitter", "must be in [0,1]", nil)
	}
	if c.EarlyRefreshBeta < 0 {
		return NewConfigError("early_refresh_beta", "cannot be negative", nil)
	}
	return nil
}

// envPrefix is the prefix for environment overrides, e.g.
// CACHE_DEFAULT_TTL=30s or CACHE_TTL_JITTER=0.2.
const envPrefix = "CACHE_"

// LoadConfig reads configuration from a YAML file, applies CACHE_*
// environment overrides on top and validates the result. Defaults fill
// any key neither source provides.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, NewConfigError("file", "failed to load config file", err)
		}
	}
	return finishLoad(k)
}

// LoadConfigBytes parses configuration from raw YAML, applying the same
// environment overrides and validation as LoadConfig.
func LoadConfigBytes(data []byte) (Config, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return Config{}, NewConfigError("yaml", "failed to parse config", err)
		}
	}
	return finishLoad(k)
}

func finishLoad(k *koanf.Koanf) (Config, error) {
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return key, value
		},
	}), nil)
	if err != nil {
		return Config{}, NewConfigError("env", "failed to load environment overrides", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, NewConfigError("unmarshal", "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
