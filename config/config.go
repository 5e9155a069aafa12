package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the presence server.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	KeyPrefix     string `mapstructure:"KEY_PREFIX"`

	// PresenceTTLSec is the marker lifetime; ~2.4x the heartbeat interval
	// tolerates one or two missed beats before declaring offline.
	PresenceTTLSec       int `mapstructure:"PRESENCE_TTL_SEC"`
	SessionTTLSec        int `mapstructure:"SESSION_TTL_SEC"`
	HeartbeatIntervalSec int `mapstructure:"HEARTBEAT_INTERVAL_SEC"`
	StoreTimeoutMS       int `mapstructure:"STORE_TIMEOUT_MS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// PresenceTTL returns the marker TTL as a duration.
func (c *ServerConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSec) * time.Second
}

// SessionTTL returns the session safety-net TTL as a duration.
func (c *ServerConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

// HeartbeatInterval returns the client heartbeat contract as a duration.
func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// StoreTimeout returns the per-call shared-store timeout as a duration.
func (c *ServerConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/presence/")
	v.AddConfigPath("$HOME/.presence")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KEY_PREFIX", "presence")
	v.SetDefault("PRESENCE_TTL_SEC", 60)
	v.SetDefault("SESSION_TTL_SEC", 300)
	v.SetDefault("HEARTBEAT_INTERVAL_SEC", 20)
	v.SetDefault("STORE_TIMEOUT_MS", 300)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, we run on defaults and env vars;
		// a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
