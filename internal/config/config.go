// Package config loads server configuration from defaults, an optional YAML
// file, a .env file and BROWSERHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/browserhub/internal/browser"
)

const envPrefix = "BROWSERHUB"

// Config holds application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DriverConfig selects how browsers are run. Kind is "docker" or "local".
type DriverConfig struct {
	Kind       string `mapstructure:"kind"`
	Image      string `mapstructure:"image"`
	Host       string `mapstructure:"host"`
	ChromePath string `mapstructure:"chrome_path"`
	DataDir    string `mapstructure:"data_dir"`
}

type RegistryConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

// RateLimitConfig applies per client; RequestsPerHour zero disables it.
type RateLimitConfig struct {
	RequestsPerHour int `mapstructure:"requests_per_hour"`
	Burst           int `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Driver: DriverConfig{
			Kind:  "docker",
			Image: browser.DefaultImage,
			Host:  "localhost",
		},
		Registry: RegistryConfig{
			LaunchTimeout: 60 * time.Second,
			StopTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 100,
			Burst:           10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration. path names an explicit YAML file; when empty,
// browserhub.yaml is looked up in the working directory and /etc/browserhub.
// A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("browserhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/browserhub/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("driver.kind", d.Driver.Kind)
	v.SetDefault("driver.image", d.Driver.Image)
	v.SetDefault("driver.host", d.Driver.Host)
	v.SetDefault("driver.chrome_path", d.Driver.ChromePath)
	v.SetDefault("driver.data_dir", d.Driver.DataDir)

	v.SetDefault("registry.max_sessions", d.Registry.MaxSessions)
	v.SetDefault("registry.launch_timeout", d.Registry.LaunchTimeout)
	v.SetDefault("registry.stop_timeout", d.Registry.StopTimeout)
	v.SetDefault("registry.session_ttl", d.Registry.SessionTTL)

	v.SetDefault("ratelimit.requests_per_hour", d.RateLimit.RequestsPerHour)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Driver.Kind {
	case "docker", "local":
	default:
		return fmt.Errorf("unknown driver kind %q (want docker or local)", c.Driver.Kind)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Registry.MaxSessions < 0 {
		return errors.New("registry.max_sessions must not be negative")
	}
	if c.Registry.LaunchTimeout <= 0 || c.Registry.StopTimeout <= 0 {
		return errors.New("registry launch and stop timeouts must be positive")
	}
	if c.Registry.SessionTTL < 0 {
		return errors.New("registry.session_ttl must not be negative")
	}
	if c.RateLimit.RequestsPerHour < 0 || c.RateLimit.Burst < 0 {
		return errors.New("ratelimit values must not be negative")
	}
	return nil
}
