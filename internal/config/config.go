// Package config loads the environment-variable driven process
// configuration (spec §6): a required internal admin token plus tunables
// for cache size/TTL, upstream timeouts, and body-size guards, all with
// documented defaults.
//
// The getEnv/getEnvInt/getEnvInt64/getEnvBool helper idiom is grounded
// on internal/config/config.go from the registry-proxy example; the
// godotenv.Load() call for local-development .env files is grounded on
// config/config.go from the apigate-proxy example.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Port                string
	Host                string
	PublicBaseURL       string
	InternalToken       string
	AllowlistPath       string
	DBPath              string
	CacheDir            string
	CacheTTLSeconds     int
	CacheMaxBytes       int64
	UpstreamTimeout     time.Duration
	MaxHTMLBytes        int64
	MaxBinaryBytes      int64
	EnableHTTP          bool
	DisableServiceStart bool
	LogFilePath         string
}

// Load reads and validates the process configuration from the environment,
// loading a .env file first when present (silently ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8085"),
		Host:                getEnv("HOST", "0.0.0.0"),
		PublicBaseURL:       getEnv("MIRROR_PUBLIC_BASE_URL", ""),
		InternalToken:       os.Getenv("MIRROR_INTERNAL_TOKEN"),
		AllowlistPath:       getEnv("MIRROR_ALLOWLIST_PATH", "./data/allowlist.json"),
		DBPath:              getEnv("MIRROR_DB_PATH", "./data/mirror.db"),
		CacheDir:            getEnv("MIRROR_CACHE_DIR", "./data/cache"),
		CacheTTLSeconds:     getEnvInt("MIRROR_CACHE_TTL_SECONDS", 7200),
		CacheMaxBytes:       getEnvInt64("MIRROR_CACHE_MAX_BYTES", 1<<30),
		UpstreamTimeout:     time.Duration(getEnvInt("MIRROR_UPSTREAM_TIMEOUT_MS", 12000)) * time.Millisecond,
		MaxHTMLBytes:        getEnvInt64("MIRROR_MAX_HTML_BYTES", 5*1024*1024),
		MaxBinaryBytes:      getEnvInt64("MIRROR_MAX_BINARY_BYTES", 25*1024*1024),
		EnableHTTP:          getEnvBool("MIRROR_ENABLE_HTTP", false),
		DisableServiceStart: getEnvBool("MIRROR_DISABLE_SERVICE", false),
		LogFilePath:         os.Getenv("MIRROR_LOG_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.InternalToken) < 8 {
		return fmt.Errorf("MIRROR_INTERNAL_TOKEN is required and must be at least 8 characters")
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("MIRROR_CACHE_TTL_SECONDS must be positive")
	}
	if c.CacheMaxBytes <= 0 {
		return fmt.Errorf("MIRROR_CACHE_MAX_BYTES must be positive")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("MIRROR_UPSTREAM_TIMEOUT_MS must be positive")
	}
	if c.MaxHTMLBytes <= 0 || c.MaxBinaryBytes <= 0 {
		return fmt.Errorf("MIRROR_MAX_HTML_BYTES and MIRROR_MAX_BINARY_BYTES must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
