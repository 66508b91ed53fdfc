// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

const (
	defaultHost             = "0.0.0.0"
	defaultChatPort         = 5555
	defaultTransferPort     = 8000
	defaultMaxMessageSize   = 4096
	defaultMaxUploadSize    = 100 * 1024 * 1024
	defaultSendBufferSize   = 256
	defaultRateLimitBurst   = 5
	defaultHandshakeTimeout = 10 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultStorageDir       = "server_files"
	defaultServiceName      = "lanchat"
	defaultLogLevel         = "INFO"
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every setting of the relay. A single value is built at startup
// and handed to each component; nothing reads it from package state.
type Config struct {
	Host             string        `env:"HOST,default=0.0.0.0"`
	ChatPort         int           `env:"CHAT_PORT,default=5555"`
	TransferPort     int           `env:"TRANSFER_PORT,default=8000"`
	WebSocketPort    int           `env:"WEBSOCKET_PORT,default=8080"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize   int           `env:"MAX_MESSAGE_SIZE,default=4096"`
	MaxUploadSize    int           `env:"MAX_UPLOAD_SIZE,default=104857600"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE,default=256"`
	RateLimitBurst   int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefill  time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT,default=0s"`
	StorageDir       string        `env:"STORAGE_DIR,default=server_files"`
	DiscoveryEnabled bool          `env:"DISCOVERY_ENABLED,default=false"`
	ServiceName      string        `env:"SERVICE_NAME,default=lanchat"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Host:             defaultHost,
		ChatPort:         defaultChatPort,
		TransferPort:     defaultTransferPort,
		WebSocketPort:    8080,
		AllowedOrigins:   "http://localhost:8080",
		MaxMessageSize:   defaultMaxMessageSize,
		MaxUploadSize:    defaultMaxUploadSize,
		SendBufferSize:   defaultSendBufferSize,
		RateLimitBurst:   defaultRateLimitBurst,
		RateLimitRefill:  time.Second,
		HandshakeTimeout: defaultHandshakeTimeout,
		StorageDir:       defaultStorageDir,
		ServiceName:      defaultServiceName,
		ShutdownTimeout:  defaultShutdownTimeout,
		LogLevel:         defaultLogLevel,
	}
}

// NewConfigFromEnv creates a Config from environment variables.
// Unset variables fall back to their defaults.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	cfg = cfg.Sanitize()
	return &cfg, nil
}

// Sanitize replaces out-of-range values with their defaults.
func (c Config) Sanitize() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = defaultHost
	}
	if c.ChatPort <= 0 {
		c.ChatPort = defaultChatPort
	}
	if c.TransferPort <= 0 {
		c.TransferPort = defaultTransferPort
	}
	if c.WebSocketPort < 0 {
		c.WebSocketPort = 0
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaultMaxUploadSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBufferSize
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = defaultRateLimitBurst
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		c.StorageDir = defaultStorageDir
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	return c
}

// RateLimit returns the per-session token bucket parameters.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// Origins splits the comma separated origin allow list.
func (c Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ChatAddr is the listen address of the TCP chat channel.
func (c Config) ChatAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ChatPort))
}

// TransferAddr is the listen address of the file transfer endpoint.
func (c Config) TransferAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.TransferPort))
}

// WebSocketAddr is the listen address of the WebSocket transport, or "" when disabled.
func (c Config) WebSocketAddr() string {
	if c.WebSocketPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.WebSocketPort))
}
