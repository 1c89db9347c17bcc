// Package dbconfig builds Postgres connections for the backlog store.
package dbconfig

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Supported database/sql driver names
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Config holds Postgres connection settings. URL, when set, wins over the
// individual fields.
type Config struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// NewConfigFromEnv reads DB_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	return Config{}.WithEnv()
}

// WithEnv overlays any DB_* environment variables onto c and fills in
// defaults for fields that are still empty.
func (c Config) WithEnv() Config {
	c.Driver = getEnv("DB_DRIVER", orDefault(c.Driver, DriverPQ))
	c.URL = getEnv("DATABASE_URL", c.URL)
	c.Host = getEnv("DB_HOST", orDefault(c.Host, "localhost"))
	c.User = getEnv("DB_USER", orDefault(c.User, "postgres"))
	c.Password = getEnv("DB_PASSWORD", orDefault(c.Password, "postgres"))
	c.Database = getEnv("DB_NAME", orDefault(c.Database, "livecue"))
	c.SSLMode = getEnv("DB_SSLMODE", orDefault(c.SSLMode, "disable"))

	if c.Port == 0 {
		c.Port = 5432
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	return c
}

// Validate checks the driver name
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPQ, DriverPGX:
		return nil
	default:
		return fmt.Errorf("unsupported database driver %q (want %q or %q)", c.Driver, DriverPQ, DriverPGX)
	}
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Open connects with the configured driver and pings the server
func Open(ctx context.Context, c Config) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	database, err := sql.Open(c.Driver, c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("driver", c.Driver).
		Str("host", c.Host).
		Int("port", c.Port).
		Str("database", c.Database).
		Msg("connected to database")
	return database, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
