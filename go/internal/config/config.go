// Package config loads the agent's YAML configuration and applies LIVECUE_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/livecue/go/internal/dbconfig"
	"github.com/mcdev12/livecue/go/internal/show/agent"
	"github.com/mcdev12/livecue/go/internal/show/backlog"
	"github.com/mcdev12/livecue/go/internal/show/clock"
	"github.com/mcdev12/livecue/go/internal/show/engine"
	"github.com/mcdev12/livecue/go/internal/show/retry"
	"github.com/mcdev12/livecue/go/internal/show/transport"
)

// Transport kinds
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Backlog store kinds
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	LogLevel  string             `yaml:"log_level"`
	Event     EventConfig        `yaml:"event"`
	Transport TransportConfig    `yaml:"transport"`
	Endpoints EndpointsConfig    `yaml:"endpoints"`
	Clock     ClockConfig        `yaml:"clock"`
	Backlog   BacklogConfig      `yaml:"backlog"`
	Retry     retry.Policy       `yaml:"retry"`
	HTTP      agent.ServerConfig `yaml:"http"`
}

type EventConfig struct {
	EventID string `yaml:"event_id"`
	UserID  string `yaml:"user_id"`
}

type TransportConfig struct {
	Kind      string          `yaml:"kind"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
}

type WebSocketConfig struct {
	URL            string        `yaml:"url"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type EndpointsConfig struct {
	BaseURL         string        `yaml:"base_url"`
	PollPath        string        `yaml:"poll_path"`
	CollectiblePath string        `yaml:"collectible_path"`
	Timeout         time.Duration `yaml:"timeout"`
	CSRFToken       string        `yaml:"csrf_token"`
	SessionToken    string        `yaml:"session_token"`
}

type ClockConfig struct {
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	MaxDriftPerMinute        time.Duration `yaml:"max_drift_per_minute"`
	HeartbeatRequestInterval time.Duration `yaml:"heartbeat_request_interval"`
	FastTick                 time.Duration `yaml:"fast_tick"`
	RedrawInterval           time.Duration `yaml:"redraw_interval"`
	FallbackTick             time.Duration `yaml:"fallback_tick"`
}

type BacklogConfig struct {
	Store    string          `yaml:"store"`
	Path     string          `yaml:"path"`
	Key      string          `yaml:"key"`
	Redis    RedisConfig     `yaml:"redis"`
	Database dbconfig.Config `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	ws := transport.DefaultWebSocketConfig()
	nc := transport.DefaultNATSConfig()
	cc := clock.DefaultConfig()
	ec := engine.DefaultConfig()

	return Config{
		LogLevel: "info",
		Transport: TransportConfig{
			Kind: TransportWebSocket,
			WebSocket: WebSocketConfig{
				URL:            "ws://localhost:8080/ws/show",
				PingInterval:   ws.PingInterval,
				WriteTimeout:   ws.WriteTimeout,
				ReadTimeout:    ws.ReadTimeout,
				MaxMessageSize: ws.MaxMessageSize,
			},
			NATS: NATSConfig{
				URL:           nc.URL,
				SubjectPrefix: nc.SubjectPrefix,
				MaxReconnects: nc.MaxReconnects,
				ReconnectWait: nc.ReconnectWait,
			},
		},
		Endpoints: EndpointsConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 30 * time.Second,
		},
		Clock: ClockConfig{
			HeartbeatTimeout:         cc.HeartbeatTimeout,
			MaxDriftPerMinute:        cc.MaxDriftPerMinute,
			HeartbeatRequestInterval: cc.HeartbeatRequestInterval,
			FastTick:                 ec.FastTick,
			RedrawInterval:           ec.RedrawInterval,
			FallbackTick:             ec.FallbackTick,
		},
		Backlog: BacklogConfig{
			Store: StoreFile,
			Path:  "livecue-state.json",
			Key:   backlog.DefaultKey,
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Retry: retry.DefaultPolicy(),
		HTTP: agent.ServerConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LIVECUE_LOG_LEVEL", c.LogLevel)
	c.Event.EventID = getEnv("LIVECUE_EVENT_ID", c.Event.EventID)
	c.Event.UserID = getEnv("LIVECUE_USER_ID", c.Event.UserID)

	c.Transport.Kind = getEnv("LIVECUE_TRANSPORT", c.Transport.Kind)
	c.Transport.WebSocket.URL = getEnv("LIVECUE_WS_URL", c.Transport.WebSocket.URL)
	c.Transport.NATS.URL = getEnv("LIVECUE_NATS_URL", c.Transport.NATS.URL)

	c.Endpoints.BaseURL = getEnv("LIVECUE_ENDPOINT_BASE_URL", c.Endpoints.BaseURL)
	c.Endpoints.CSRFToken = getEnv("LIVECUE_CSRF_TOKEN", c.Endpoints.CSRFToken)
	c.Endpoints.SessionToken = getEnv("LIVECUE_SESSION_TOKEN", c.Endpoints.SessionToken)

	c.Backlog.Store = getEnv("LIVECUE_BACKLOG_STORE", c.Backlog.Store)
	c.Backlog.Path = getEnv("LIVECUE_BACKLOG_PATH", c.Backlog.Path)
	c.Backlog.Redis.Addr = getEnv("LIVECUE_REDIS_ADDR", c.Backlog.Redis.Addr)
	c.Backlog.Redis.Password = getEnv("LIVECUE_REDIS_PASSWORD", c.Backlog.Redis.Password)
	c.Backlog.Redis.DB = getEnvAsInt("LIVECUE_REDIS_DB", c.Backlog.Redis.DB)
	if c.Backlog.Store == StorePostgres {
		c.Backlog.Database = c.Backlog.Database.WithEnv()
	}

	c.HTTP.Addr = getEnv("LIVECUE_HTTP_ADDR", c.HTTP.Addr)
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if c.Event.EventID == "" {
		errs = append(errs, errors.New("event.event_id is required"))
	}

	switch c.Transport.Kind {
	case TransportWebSocket:
		if c.Transport.WebSocket.URL == "" {
			errs = append(errs, errors.New("transport.websocket.url is required"))
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			errs = append(errs, errors.New("transport.nats.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of %s, %s", c.Transport.Kind, TransportWebSocket, TransportNATS))
	}

	if c.Endpoints.BaseURL == "" {
		errs = append(errs, errors.New("endpoints.base_url is required"))
	}

	for name, d := range map[string]time.Duration{
		"clock.heartbeat_timeout":          c.Clock.HeartbeatTimeout,
		"clock.heartbeat_request_interval": c.Clock.HeartbeatRequestInterval,
		"clock.fast_tick":                  c.Clock.FastTick,
		"clock.redraw_interval":            c.Clock.RedrawInterval,
		"clock.fallback_tick":              c.Clock.FallbackTick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Clock.MaxDriftPerMinute < 0 {
		errs = append(errs, errors.New("clock.max_drift_per_minute must not be negative"))
	}

	switch c.Backlog.Store {
	case StoreFile:
		if c.Backlog.Path == "" {
			errs = append(errs, errors.New("backlog.path is required for the file store"))
		}
	case StoreRedis:
		if c.Backlog.Redis.Addr == "" {
			errs = append(errs, errors.New("backlog.redis.addr is required for the redis store"))
		}
	case StorePostgres:
		if err := c.Backlog.Database.Validate(); err != nil {
			errs = append(errs, err)
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("backlog.store %q is not supported", c.Backlog.Store))
	}
	if c.Backlog.Key == "" {
		errs = append(errs, errors.New("backlog.key is required"))
	}

	if c.Retry.InitialDelay <= 0 || c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.initial_delay must be positive and retry.multiplier at least 1"))
	}

	return errors.Join(errs...)
}

// EngineConfig converts the clock section into engine settings
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.EventID = c.Event.EventID
	ec.UserID = c.Event.UserID
	ec.FastTick = c.Clock.FastTick
	ec.RedrawInterval = c.Clock.RedrawInterval
	ec.FallbackTick = c.Clock.FallbackTick
	ec.Clock = clock.Config{
		HeartbeatTimeout:         c.Clock.HeartbeatTimeout,
		MaxDriftPerMinute:        c.Clock.MaxDriftPerMinute,
		HeartbeatRequestInterval: c.Clock.HeartbeatRequestInterval,
	}
	ec.DrainBackoff = c.Retry
	return ec
}

// WebSocketConfig converts the websocket section into client settings
func (c *Config) WebSocketConfig() transport.WebSocketConfig {
	wc := transport.DefaultWebSocketConfig()
	wc.URL = c.Transport.WebSocket.URL
	if v := c.Transport.WebSocket.PingInterval; v > 0 {
		wc.PingInterval = v
	}
	if v := c.Transport.WebSocket.WriteTimeout; v > 0 {
		wc.WriteTimeout = v
	}
	if v := c.Transport.WebSocket.ReadTimeout; v > 0 {
		wc.ReadTimeout = v
	}
	if v := c.Transport.WebSocket.MaxMessageSize; v > 0 {
		wc.MaxMessageSize = v
	}
	wc.Reconnect = c.Retry
	return wc
}

// NATSConfig converts the nats section into channel settings
func (c *Config) NATSConfig() transport.NATSConfig {
	nc := transport.DefaultNATSConfig()
	nc.URL = c.Transport.NATS.URL
	nc.EventID = c.Event.EventID
	if c.Transport.NATS.SubjectPrefix != "" {
		nc.SubjectPrefix = c.Transport.NATS.SubjectPrefix
	}
	nc.MaxReconnects = c.Transport.NATS.MaxReconnects
	if c.Transport.NATS.ReconnectWait > 0 {
		nc.ReconnectWait = c.Transport.NATS.ReconnectWait
	}
	nc.InitialRetry = c.Retry
	return nc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
