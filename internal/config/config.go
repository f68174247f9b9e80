// Package config loads and validates the Orienta YAML configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig holds the task store settings.
type DBConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// RetentionConfig controls the terminal-task cleanup sweep.
type RetentionConfig struct {
	Days            int    `yaml:"days"`
	Schedule        string `yaml:"schedule"` // 5-field cron expression
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// LLMConfig configures the fallback conversational agent.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// APIKeyEnv names an environment variable consulted when api_key is empty.
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// ServicesConfig holds the downstream career-service endpoints used by the
// native skill handlers.
type ServicesConfig struct {
	ProfileURL     string `yaml:"profile_url"`
	ProfileSaveURL string `yaml:"profile_save_url"`
	MatchURL       string `yaml:"match_url"`
	VacancyURL     string `yaml:"vacancy_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TelegramConfig configures the optional Telegram channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// OTelConfig configures tracing and metrics export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root configuration loaded from <home>/config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	Quiet     bool   `yaml:"quiet"`

	DB        DBConfig        `yaml:"db"`
	Retention RetentionConfig `yaml:"retention"`
	LLM       LLMConfig       `yaml:"llm"`
	Services  ServicesConfig  `yaml:"services"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	OTel      OTelConfig      `yaml:"otel"`
}

const (
	defaultBindAddr       = "127.0.0.1:8090"
	defaultRetentionDays  = 7
	defaultCronSchedule   = "0 3 * * *"
	defaultTickSeconds    = 60
	defaultHTTPTimeoutSec = 30
	minPoolSize           = 1
	maxPoolSize           = 10
)

// Load reads config.yaml from homeDir and applies defaults. A missing file
// yields a default config rather than an error.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = defaultBindAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.HomeDir, "orienta.db")
	}
	if c.DB.PoolSize < minPoolSize {
		c.DB.PoolSize = minPoolSize
	}
	if c.DB.PoolSize > maxPoolSize {
		c.DB.PoolSize = maxPoolSize
	}
	if c.Retention.Days <= 0 {
		c.Retention.Days = defaultRetentionDays
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = defaultCronSchedule
	}
	if c.Retention.IntervalSeconds <= 0 {
		c.Retention.IntervalSeconds = defaultTickSeconds
	}
	if c.Services.TimeoutSeconds <= 0 {
		c.Services.TimeoutSeconds = defaultHTTPTimeoutSec
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "orienta"
	}
}

// LLMAPIKey resolves the fallback agent's API key: explicit value first,
// then the configured environment variable.
func (c *Config) LLMAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	if c.LLM.APIKeyEnv != "" {
		return os.Getenv(c.LLM.APIKeyEnv)
	}
	return ""
}

// ServiceTimeout returns the downstream HTTP timeout as a duration.
func (c *Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Services.TimeoutSeconds) * time.Second
}

// RetentionInterval returns the scheduler tick as a duration.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.IntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the serialized config, used to detect
// whether a watcher-reported change actually altered anything.
func (c *Config) Fingerprint() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
