// Package config loads server settings from defaults, an optional YAML file,
// and SIMDB_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	DatabasePath    string      `yaml:"database_path"`
	HTTPAddr        string      `yaml:"http_addr"`
	GRPCAddr        string      `yaml:"grpc_addr"`
	LogLevel        string      `yaml:"log_level"`
	LogFormat       string      `yaml:"log_format"`
	AppendRetries   int         `yaml:"append_retries"`
	ShutdownTimeout Duration    `yaml:"shutdown_timeout"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig enables event publication when URL is set.
type RedisConfig struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries int      `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DatabasePath:    "branchsim.db",
		HTTPAddr:        ":8000",
		GRPCAddr:        ":50061",
		LogLevel:        "info",
		LogFormat:       "json",
		AppendRetries:   3,
		ShutdownTimeout: Duration{10 * time.Second},
		Redis: RedisConfig{
			Timeout: Duration{5 * time.Second},
			Retries: 3,
		},
	}
}

// Load overlays the YAML file at path on Default. ${VAR} and ${VAR:-default}
// references in the file are expanded first.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. DATABASE_URL is accepted
// as a fallback for SIMDB_DATABASE_PATH, with any sqlite:// scheme stripped.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabasePath = databasePath(v)
	}
	if v := os.Getenv("SIMDB_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("SIMDB_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("SIMDB_GRPC_ADDR"); v != "" {
		c.GRPCAddr = v
	}
	if v := os.Getenv("SIMDB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SIMDB_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("SIMDB_APPEND_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SIMDB_APPEND_RETRIES: %w", err)
		}
		c.AppendRetries = n
	}
	if v := os.Getenv("SIMDB_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIMDB_SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = Duration{d}
	}
	if v := os.Getenv("SIMDB_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("SIMDB_REDIS_CHANNEL"); v != "" {
		c.Redis.Channel = v
	}
	return nil
}

func databasePath(url string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://", "file:"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		return errors.New("at least one of http_addr or grpc_addr is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.AppendRetries < 0 {
		return fmt.Errorf("append_retries must be >= 0, got %d", c.AppendRetries)
	}
	if c.Redis.Retries < 0 {
		return fmt.Errorf("redis.retries must be >= 0, got %d", c.Redis.Retries)
	}
	return nil
}
