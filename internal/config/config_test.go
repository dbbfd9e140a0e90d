package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal(DriverSQLite3, cfg.StoreDriver)
	req.Equal("duet.db", cfg.StoreDSN)
	req.Equal(24*time.Hour, cfg.TokenTTL)
	req.Equal(256, cfg.SendBuffer)
	req.Equal(10*time.Second, cfg.WriteTimeout)
	req.Equal(60*time.Second, cfg.PongWait)
	req.Equal(int64(4096), cfg.MaxMessageSize)
	req.True(cfg.ReadOnForward)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "postgres://localhost/duet")
	t.Setenv("READ_ON_FORWARD", "false")
	t.Setenv("PONG_WAIT", "5s")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(DriverPostgres, cfg.StoreDriver)
	req.False(cfg.ReadOnForward)
	req.Equal(5*time.Second, cfg.PongWait)
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:     DriverSQLite3,
		StoreDSN:        ":memory:",
		JWTSecret:       "0123456789abcdef",
		TokenTTL:        time.Hour,
		SendBuffer:      1,
		WriteTimeout:    time.Second,
		PongWait:        time.Second,
		ShutdownTimeout: time.Second,
		MaxMessageSize:  1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"missing dsn", func(c *Config) { c.StoreDSN = "" }},
		{"zero buffer", func(c *Config) { c.SendBuffer = 0 }},
		{"zero pong wait", func(c *Config) { c.PongWait = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	badger := valid
	badger.StoreDriver = DriverBadger
	badger.StoreDSN = ""
	require.NoError(t, badger.Validate(), "badger runs in memory without a directory")
}
