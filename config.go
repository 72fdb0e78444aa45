package mcpwire

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Hard limits shared by every transport. These are protocol constants, not
// tunables: raising MaxMessageSize would change the meaning of the wire
// format's sanity check on both ends.
const (
	// MaxMessageSize caps a single frame payload at 1 MiB.
	MaxMessageSize = 1 << 20

	// MaxTCPClients caps the server's fixed client slot table.
	MaxTCPClients = 8192

	// MaxWorkerPoolSize caps the server's handler worker pool.
	MaxWorkerPoolSize = 512
)

// Config holds all transport configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Host string `env:"MCP_HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"MCP_PORT" envDefault:"9000"`

	// Per-client idle cutoff on the server. 0 disables reaping.
	IdleTimeout time.Duration `env:"MCP_IDLE_TIMEOUT" envDefault:"0"`

	// Max wait for a single outbound connect attempt.
	ConnectTimeout time.Duration `env:"MCP_CONNECT_TIMEOUT" envDefault:"5s"`

	// Capacity
	MaxClients     int `env:"MCP_MAX_CLIENTS" envDefault:"8192"`
	WorkerPoolSize int `env:"MCP_WORKER_POOL_SIZE" envDefault:"32"`
	// Worker queue capacity. 0 derives WorkerPoolSize × 100.
	WorkerQueueSize int `env:"MCP_WORKER_QUEUE_SIZE" envDefault:"0"`

	// Buffer pools
	ServerBufferSize  int `env:"MCP_SERVER_BUFFER_SIZE" envDefault:"16384"`
	ServerBufferCount int `env:"MCP_SERVER_BUFFER_COUNT" envDefault:"1024"`
	ClientBufferSize  int `env:"MCP_CLIENT_BUFFER_SIZE" envDefault:"8192"`
	ClientBufferCount int `env:"MCP_CLIENT_BUFFER_COUNT" envDefault:"16"`

	// Connection admission (DoS protection on the acceptor)
	ConnRateLimitEnabled     bool    `env:"MCP_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"MCP_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"MCP_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"MCP_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"MCP_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Safety thresholds, relative to host CPU. New connections are rejected
	// above the reject threshold; 0 disables the check.
	CPURejectThreshold float64 `env:"MCP_CPU_REJECT_THRESHOLD" envDefault:"0"`

	Reconnect ReconnectConfig `envPrefix:"MCP_RECONNECT_"`
	WS        WSConfig        `envPrefix:"MCP_WS_"`

	// Monitoring
	MetricsInterval time.Duration `env:"MCP_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"MCP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MCP_LOG_FORMAT" envDefault:"json"`
}

// ReconnectConfig controls the TCP client's reconnection supervisor.
type ReconnectConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`

	// MaxAttempts of 0 means unlimited.
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"10"`
	InitialDelay time.Duration `env:"INITIAL_DELAY" envDefault:"1s"`
	MaxDelay     time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	Factor       float64       `env:"FACTOR" envDefault:"2.0"`

	// Randomize applies full jitter: delays are sampled uniformly in
	// [0.1 × delay, delay].
	Randomize bool `env:"RANDOMIZE" envDefault:"true"`
}

// WSConfig controls the WebSocket client transport.
type WSConfig struct {
	// HTTP upgrade path, normalized to a leading slash.
	Path string `env:"PATH" envDefault:"/"`

	// Origin defaults to the target host when empty.
	Origin string `env:"ORIGIN"`

	UseSSL   bool   `env:"USE_SSL" envDefault:"false"`
	CertPath string `env:"CERT_PATH"`
	KeyPath  string `env:"KEY_PATH"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set directly, so a missing file is not an error.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("MCP_HOST is required")
	}
	if c.MaxClients < 1 || c.MaxClients > MaxTCPClients {
		return fmt.Errorf("MCP_MAX_CLIENTS must be 1-%d, got %d", MaxTCPClients, c.MaxClients)
	}
	if c.WorkerPoolSize < 1 || c.WorkerPoolSize > MaxWorkerPoolSize {
		return fmt.Errorf("MCP_WORKER_POOL_SIZE must be 1-%d, got %d", MaxWorkerPoolSize, c.WorkerPoolSize)
	}
	if c.ServerBufferSize < 1 || c.ClientBufferSize < 1 {
		return fmt.Errorf("buffer sizes must be > 0")
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("MCP_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.Reconnect.Factor < 1.0 {
		return fmt.Errorf("MCP_RECONNECT_FACTOR must be >= 1.0, got %.2f", c.Reconnect.Factor)
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect delays invalid: initial=%v max=%v",
			c.Reconnect.InitialDelay, c.Reconnect.MaxDelay)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("MCP_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("MCP_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the host:port listen/connect address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerQueueCapacity resolves the effective worker queue size.
func (c *Config) WorkerQueueCapacity() int {
	if c.WorkerQueueSize > 0 {
		return c.WorkerQueueSize
	}
	return c.WorkerPoolSize * 100
}

// LogConfig logs the configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("connect_timeout", c.ConnectTimeout).
		Int("max_clients", c.MaxClients).
		Int("worker_pool_size", c.WorkerPoolSize).
		Int("worker_queue_size", c.WorkerQueueCapacity()).
		Bool("reconnect_enabled", c.Reconnect.Enabled).
		Int("reconnect_max_attempts", c.Reconnect.MaxAttempts).
		Dur("reconnect_initial_delay", c.Reconnect.InitialDelay).
		Dur("reconnect_max_delay", c.Reconnect.MaxDelay).
		Str("ws_path", c.WS.Path).
		Bool("ws_ssl", c.WS.UseSSL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Transport configuration loaded")
}
