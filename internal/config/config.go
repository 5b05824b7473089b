package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Remote RemoteConfig `mapstructure:"remote"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// SessionKey signs admin session cookies; empty means a random key per process
	SessionKey    string        `mapstructure:"session_key"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
	// SecureCookies marks admin cookies HTTPS-only
	SecureCookies bool `mapstructure:"secure_cookies"`
}

type DBConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Silent   bool          `mapstructure:"silent"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type RemoteConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Enabled reports whether settings should be read from a remote server
func (r RemoteConfig) Enabled() bool {
	return r.BaseURL != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.session_key", "")
	v.SetDefault("server.session_max_age", 7*24*time.Hour)
	v.SetDefault("server.secure_cookies", false)
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "haiti-shipping.db")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("db.timeout", 5*time.Second)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.silent", false)
	v.SetDefault("sync.debounce", time.Second)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token_url", "")
	v.SetDefault("remote.client_id", "")
	v.SetDefault("remote.client_secret", "")
	v.SetDefault("remote.scopes", []string{})
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
}

// LoadConfig loads configuration from config.yaml and environment variables.
// An explicit path must exist; without one a missing file just means defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./deploy/")
		v.AddConfigPath("./")
		v.AddConfigPath("$HOME/.haiti-shipping/")
		v.AddConfigPath("/etc/haiti-shipping/")
	}

	// HAITI_SHIPPING_DB_DSN overrides db.dsn
	v.SetEnvPrefix("HAITI_SHIPPING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects values the services cannot run with
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unsupported db.driver %q (want sqlite3 or mysql)", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Server.SessionMaxAge < time.Second {
		return fmt.Errorf("server.session_max_age must be at least 1s, got %s", c.Server.SessionMaxAge)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative, got %s", c.Sync.Debounce)
	}
	return nil
}
