// Package runner is the worker process: it polls the server for runs
// its capability tier can serve, executes them through an agent
// backend, and reports results back. One runner per host.
package runner

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// Config holds runner configuration. Sources in priority order:
// env vars > config file > defaults.
type Config struct {
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	// RunnerID identifies this worker in claims; defaults to hostname.
	RunnerID string `yaml:"runner_id"`
	// Capability is the advertised tier; the runner serves its full
	// downward closure.
	Capability core.Capability `yaml:"capability"`

	WorkspaceRoot string `yaml:"workspace_root"`
	HealthAddr    string `yaml:"health_addr"`

	PollInterval time.Duration `yaml:"poll_interval"`
	// LightTimeout bounds analytical phases; BuildTimeout bounds
	// build runs.
	LightTimeout    time.Duration `yaml:"light_timeout"`
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	ActivityTimeout time.Duration `yaml:"activity_timeout"`

	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`

	// Agent CLI overrides.
	AgentBinary    string `yaml:"agent_binary"`
	AgentModel     string `yaml:"agent_model"`
	AgentBaseURL   string `yaml:"agent_base_url"`
	AgentAuthToken string `yaml:"agent_auth_token"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		ServerURL:           "http://localhost:3710",
		RunnerID:            hostname,
		Capability:          core.CapabilityStandard,
		WorkspaceRoot:       "/var/lib/flowstate/workspaces",
		HealthAddr:          ":3711",
		PollInterval:        5 * time.Second,
		LightTimeout:        900 * time.Second,
		BuildTimeout:        3600 * time.Second,
		KillGrace:           10 * time.Second,
		ActivityTimeout:     900 * time.Second,
		MaxConcurrentBuilds: 1,
		LogLevel:            "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FLOWSTATE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FLOWSTATE_RUNNER_ID"); v != "" {
		cfg.RunnerID = v
	}
	if v := os.Getenv("FLOWSTATE_CAPABILITY"); v != "" {
		c, err := core.ParseCapability(v)
		if err != nil {
			return cfg, err
		}
		cfg.Capability = c
	}
	if v := os.Getenv("FLOWSTATE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("FLOWSTATE_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	for _, tv := range []struct {
		env string
		dst *time.Duration
	}{
		{"FLOWSTATE_LIGHT_TIMEOUT", &cfg.LightTimeout},
		{"FLOWSTATE_BUILD_TIMEOUT", &cfg.BuildTimeout},
		{"FLOWSTATE_KILL_GRACE", &cfg.KillGrace},
		{"FLOWSTATE_ACTIVITY_TIMEOUT", &cfg.ActivityTimeout},
	} {
		if v := os.Getenv(tv.env); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", tv.env, err)
			}
			*tv.dst = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FLOWSTATE_MAX_CONCURRENT_BUILDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWSTATE_MAX_CONCURRENT_BUILDS: %w", err)
		}
		cfg.MaxConcurrentBuilds = n
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// TimeoutForAction picks the deadline for one run.
func (c Config) TimeoutForAction(a core.Action) time.Duration {
	if a.Base() == core.ActionBuild {
		return c.BuildTimeout
	}
	return c.LightTimeout
}
