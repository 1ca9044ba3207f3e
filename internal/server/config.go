// Package server is the HTTP control plane: run queue API, artifact
// endpoints, API-key auth, and the stale-run watchdog.
package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/flowstate-sh/flowstate/internal/artifact"
)

// Config holds server configuration. Sources in priority order:
// env vars > config file > defaults.
type Config struct {
	// Listen address (default ":3710")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database, key file, and local
	// artifacts (default "/var/lib/flowstate")
	DataDir string `json:"data_dir"`

	// Store backend: "sqlite" (default) or "postgres".
	StoreBackend string `json:"store_backend"`
	// PostgresDSN is required when StoreBackend is "postgres".
	PostgresDSN string `json:"postgres_dsn,omitempty"`

	// Artifact backend: "local" (default) or "s3".
	ArtifactBackend string            `json:"artifact_backend"`
	S3              artifact.S3Config `json:"s3,omitempty"`

	// APIKey, when set, is accepted as a bearer credential alongside
	// stored keys.
	APIKey string `json:"api_key,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":3710",
		DataDir:         "/var/lib/flowstate",
		StoreBackend:    "sqlite",
		ArtifactBackend: "local",
		LogLevel:        "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FLOWSTATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWSTATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLOWSTATE_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("FLOWSTATE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("FLOWSTATE_ARTIFACT_BACKEND"); v != "" {
		cfg.ArtifactBackend = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
