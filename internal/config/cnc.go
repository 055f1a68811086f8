// Package config loads the CNC control plane's configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultCommandMaxRetries = 3
)

// Config is the full environment-variable-driven configuration surface for the control plane.
type Config struct {
	HTTPAddr string `env:"CNC_HTTP_ADDR" envDefault:"0.0.0.0:8443"`

	DatabasePath string `env:"CNC_DATABASE_PATH" envDefault:"./cnc.db"`

	CommandTimeoutMs        int64 `env:"CNC_COMMAND_TIMEOUT_MS" envDefault:"25000"`
	CommandMaxRetries       int   `env:"CNC_COMMAND_MAX_RETRIES" envDefault:"3"`
	CommandRetryBaseDelayMs int64 `env:"CNC_COMMAND_RETRY_BASE_DELAY_MS" envDefault:"500"`

	NodeHeartbeatIntervalMs int64    `env:"CNC_NODE_HEARTBEAT_INTERVAL_MS" envDefault:"15000"`
	NodeTimeoutMs           int64    `env:"CNC_NODE_TIMEOUT_MS" envDefault:"45000"`
	NodeAuthTokens          []string `env:"CNC_NODE_AUTH_TOKENS" envSeparator:","`

	SupportedProtocolVersions []string `env:"CNC_SUPPORTED_PROTOCOL_VERSIONS" envDefault:"1.0.0,1.1.0" envSeparator:","`

	WSSessionTokenSecrets    []string `env:"CNC_WS_SESSION_TOKEN_SECRETS" envSeparator:","`
	WSSessionTokenIssuer     string   `env:"CNC_WS_SESSION_TOKEN_ISSUER" envDefault:"cncd"`
	WSSessionTokenAudience   string   `env:"CNC_WS_SESSION_TOKEN_AUDIENCE" envDefault:"node-agent"`
	WSSessionTokenTTLSeconds int      `env:"CNC_WS_SESSION_TOKEN_TTL_SECONDS" envDefault:"86400"`

	ScheduleWorkerEnabled        bool  `env:"CNC_SCHEDULE_WORKER_ENABLED" envDefault:"true"`
	ScheduleWorkerPollIntervalMs int64 `env:"CNC_SCHEDULE_WORKER_POLL_INTERVAL_MS" envDefault:"30000"`
	ScheduleWorkerBatchSize      int   `env:"CNC_SCHEDULE_WORKER_BATCH_SIZE" envDefault:"25"`

	AllowedOrigins []string `env:"CNC_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel string `env:"CNC_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces range/required constraints and applies defaults for anything not
// forced elsewhere (same validate-then-default idiom as the rest of the config surface).
func (c *Config) Validate() error {
	if c.CommandTimeoutMs <= 0 {
		return fmt.Errorf("validation error: CNC_COMMAND_TIMEOUT_MS must be positive, got %d", c.CommandTimeoutMs)
	}
	if c.CommandMaxRetries <= 0 {
		c.CommandMaxRetries = defaultCommandMaxRetries
	}
	if c.CommandRetryBaseDelayMs <= 0 {
		return fmt.Errorf("validation error: CNC_COMMAND_RETRY_BASE_DELAY_MS must be positive, got %d", c.CommandRetryBaseDelayMs)
	}
	if c.NodeHeartbeatIntervalMs <= 0 {
		return fmt.Errorf("validation error: CNC_NODE_HEARTBEAT_INTERVAL_MS must be positive, got %d", c.NodeHeartbeatIntervalMs)
	}
	if c.NodeTimeoutMs <= c.NodeHeartbeatIntervalMs {
		return fmt.Errorf("validation error: CNC_NODE_TIMEOUT_MS (%d) must exceed CNC_NODE_HEARTBEAT_INTERVAL_MS (%d)", c.NodeTimeoutMs, c.NodeHeartbeatIntervalMs)
	}
	if len(c.NodeAuthTokens) == 0 {
		return fmt.Errorf("validation error: CNC_NODE_AUTH_TOKENS must contain at least one token")
	}
	if len(c.WSSessionTokenSecrets) == 0 {
		return fmt.Errorf("validation error: CNC_WS_SESSION_TOKEN_SECRETS must contain at least one secret")
	}
	if c.WSSessionTokenTTLSeconds <= 0 {
		return fmt.Errorf("validation error: CNC_WS_SESSION_TOKEN_TTL_SECONDS must be positive, got %d", c.WSSessionTokenTTLSeconds)
	}
	if c.ScheduleWorkerEnabled {
		if c.ScheduleWorkerPollIntervalMs <= 0 {
			return fmt.Errorf("validation error: CNC_SCHEDULE_WORKER_POLL_INTERVAL_MS must be positive, got %d", c.ScheduleWorkerPollIntervalMs)
		}
		if c.ScheduleWorkerBatchSize <= 0 {
			return fmt.Errorf("validation error: CNC_SCHEDULE_WORKER_BATCH_SIZE must be positive, got %d", c.ScheduleWorkerBatchSize)
		}
	}
	return nil
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

func (c *Config) CommandRetryBaseDelay() time.Duration {
	return time.Duration(c.CommandRetryBaseDelayMs) * time.Millisecond
}

func (c *Config) NodeHeartbeatInterval() time.Duration {
	return time.Duration(c.NodeHeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutMs) * time.Millisecond
}

func (c *Config) WSSessionTokenTTL() time.Duration {
	return time.Duration(c.WSSessionTokenTTLSeconds) * time.Second
}

func (c *Config) ScheduleWorkerPollInterval() time.Duration {
	return time.Duration(c.ScheduleWorkerPollIntervalMs) * time.Millisecond
}
