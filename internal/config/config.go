// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all tunable settings for the Pulse server process.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	PostgresURL string `env:"POSTGRES_URL" envDefault:"postgres://localhost:5432/pulse?sslmode=disable"`

	// AuthSecret signs and verifies identity tokens; the process refuses to
	// start without one.
	AuthSecret string `env:"AUTH_SECRET,required,notEmpty"`

	// ServerName identifies this instance in logs and NATS client names.
	// Defaults to the hostname.
	ServerName string `env:"SERVER_NAME"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.ServerName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "pulse-1"
		}
		cfg.ServerName = hostname
	}

	return &cfg, nil
}
