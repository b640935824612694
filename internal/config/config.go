// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the gateway supervisor and its components
// read at startup.
type Config struct {
	// Transport
	ListenAddr string `env:"MESH_LISTEN_ADDR" envDefault:":8081"`
	TLSCert    string `env:"MESH_TLS_CERT"`
	TLSKey     string `env:"MESH_TLS_KEY"`

	// Shared store
	RedisAddress  string `env:"MESH_REDIS_ADDRESS" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"MESH_REDIS_PASSWORD"`
	RedisDatabase int    `env:"MESH_REDIS_DATABASE" envDefault:"0"`

	// Cross-gateway event stream
	NatsAddress string `env:"MESH_NATS_ADDRESS" envDefault:"127.0.0.1:4222"`
	NatsCluster string `env:"MESH_NATS_CLUSTER" envDefault:"mudvault"`
	NatsClient  string `env:"MESH_NATS_CLIENT" envDefault:"mesh-gateway"`
	NatsSubject string `env:"MESH_NATS_SUBJECT" envDefault:"mudvault.events"`
	NatsEnabled bool   `env:"MESH_NATS_ENABLED" envDefault:"false"`

	// Auth
	AuthAdminSecret string        `env:"MESH_ADMIN_SECRET"`
	AuthSigningKey  string        `env:"MESH_AUTH_SIGNING_KEY" envDefault:"change-me-in-production"`
	TokenTTL        time.Duration `env:"MESH_TOKEN_TTL" envDefault:"168h"`
	DisplacePolicy  string        `env:"MESH_DISPLACE_POLICY" envDefault:"displace_old"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"MESH_HEARTBEAT_INTERVAL" envDefault:"30s"`
	AuthDeadline      time.Duration `env:"MESH_AUTH_DEADLINE" envDefault:"10s"`
	ShutdownGrace     time.Duration `env:"MESH_SHUTDOWN_GRACE" envDefault:"5s"`

	// Rate limits (messages/minute unless noted)
	PerUserRateLimit   int `env:"MESH_RATE_PER_USER" envDefault:"60"`
	PerPeerMultiplier  int `env:"MESH_RATE_PEER_MULTIPLIER" envDefault:"10"`
	OutboundQueueSize  int `env:"MESH_OUTBOUND_QUEUE_SIZE" envDefault:"256"`

	// Channel service
	ChannelHistoryLength int  `env:"MESH_CHANNEL_HISTORY_LENGTH" envDefault:"100"`
	ChannelAutoJoin      bool `env:"MESH_CHANNEL_AUTO_JOIN" envDefault:"false"`

	// Malformed-frame tolerance
	MalformedLimit  int           `env:"MESH_MALFORMED_LIMIT" envDefault:"10"`
	MalformedWindow time.Duration `env:"MESH_MALFORMED_WINDOW" envDefault:"1m"`

	// Logging
	LogLevel  string `env:"MESH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MESH_LOG_FORMAT" envDefault:"console"`
}

// Load reads a .env file if present, then environment variables, then
// validates the result. Priority: real env vars > .env file > defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is fine; we only run on real env vars
		// in production deployments.
		_ = err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate range- and enum-checks the loaded configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("MESH_LISTEN_ADDR is required")
	}
	if c.PerUserRateLimit < 1 {
		return fmt.Errorf("MESH_RATE_PER_USER must be > 0, got %d", c.PerUserRateLimit)
	}
	if c.PerPeerMultiplier < 1 {
		return fmt.Errorf("MESH_RATE_PEER_MULTIPLIER must be > 0, got %d", c.PerPeerMultiplier)
	}
	if c.ChannelHistoryLength < 1 {
		return fmt.Errorf("MESH_CHANNEL_HISTORY_LENGTH must be > 0, got %d", c.ChannelHistoryLength)
	}
	switch c.DisplacePolicy {
	case "displace_old", "refuse_new":
	default:
		return fmt.Errorf("MESH_DISPLACE_POLICY must be displace_old or refuse_new, got %q", c.DisplacePolicy)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("MESH_LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("MESH_LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig logs the resolved configuration, redacting secrets.
func (c *Config) LogConfig(log zerolog.Logger) {
	log.Info().
		Str("listen_addr", c.ListenAddr).
		Str("redis_address", c.RedisAddress).
		Int("redis_database", c.RedisDatabase).
		Bool("nats_enabled", c.NatsEnabled).
		Str("nats_address", c.NatsAddress).
		Dur("token_ttl", c.TokenTTL).
		Str("displace_policy", c.DisplacePolicy).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("per_user_rate_limit", c.PerUserRateLimit).
		Int("channel_history_length", c.ChannelHistoryLength).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
