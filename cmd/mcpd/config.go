package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the mcpd process configuration. Values load in order of
// precedence: built-in defaults, then the YAML config file, then MCPD_*
// environment variables.
type Config struct {
	Transport string `yaml:"transport" env:"MCPD_TRANSPORT"`
	Listen    string `yaml:"listen" env:"MCPD_LISTEN"`

	LogLevel  string `yaml:"log_level" env:"MCPD_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"MCPD_LOG_FORMAT"`

	// RedisURL switches the HTTP transport's event store from in-memory to
	// Redis, for multi-replica deployments.
	RedisURL string `yaml:"redis_url" env:"MCPD_REDIS_URL"`

	// SessionIdleTimeout evicts HTTP sessions with no traffic for this
	// long. Zero disables eviction.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"MCPD_SESSION_IDLE_TIMEOUT"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig selects the bearer-token verification mode for the HTTP
// transport. With neither tokens nor a JWT secret configured, requests are
// unauthenticated.
type AuthConfig struct {
	// Tokens maps static bearer tokens to user ids.
	Tokens map[string]string `yaml:"tokens"`

	JWTSecret   string `yaml:"jwt_secret" env:"MCPD_JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"MCPD_JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" env:"MCPD_JWT_AUDIENCE"`
}

func defaultConfig() Config {
	return Config{
		Transport:          "stdio",
		Listen:             "127.0.0.1:8080",
		LogLevel:           "info",
		LogFormat:          "text",
		SessionIdleTimeout: 30 * time.Minute,
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Env wins over the file. The tags carry no defaults, so only variables
	// actually present in the environment overwrite anything.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode env config: %w", err)
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return nil, fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
	}
	return &cfg, nil
}
