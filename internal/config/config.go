package config

import (
	"os"
	"strconv"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// RootKey is the bootstrap bearer token for RootWorkspaceID. Only
	// its bcrypt hash is persisted; if empty, no key is bootstrapped.
	RootKey         string
	RootWorkspaceID string

	// RetentionDays is how long raw events are kept before the
	// retention worker deletes them. Rollups are retained indefinitely.
	RetentionDays int

	// SelfReport mirrors this service's own API traffic into the
	// api_requests stream using the root key. Off by default.
	SelfReport bool
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:     os.Getenv("APP_DATABASE_URL"),
		ListenAddr:      getenv("APP_LISTEN_ADDR", ":8080"),
		RootKey:         os.Getenv("APP_ROOT_KEY"),
		RootWorkspaceID: getenv("APP_ROOT_WORKSPACE_ID", "ws_root"),
		RetentionDays:   90,
		SelfReport:      os.Getenv("APP_SELF_REPORT") == "true",
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
