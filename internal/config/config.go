// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

const minSecretLength = 16

type Config struct {
	Addr            string        `env:"ADDR,default=:8080"`
	StoreDriver     string        `env:"STORE_DRIVER,default=sqlite3"`
	StoreDSN        string        `env:"STORE_DSN,default=duet.db"`
	JWTSecret       string        `env:"JWT_SECRET,required=true"`
	TokenTTL        time.Duration `env:"TOKEN_TTL,default=24h"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	SendBuffer      int           `env:"SEND_BUFFER,default=256"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	PongWait        time.Duration `env:"PONG_WAIT,default=60s"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	ReadOnForward   bool          `env:"READ_ON_FORWARD,default=true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{DriverSQLite3, DriverSQLite, DriverPostgres, DriverBadger}, c.StoreDriver) {
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}
	if c.StoreDriver != DriverBadger && c.StoreDSN == "" {
		errs = append(errs, errors.New("STORE_DSN is required"))
	}
	if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER must be positive"))
	}
	if c.WriteTimeout <= 0 || c.PongWait <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
