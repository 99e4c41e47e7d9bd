// Package config provides configuration management for Codedeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session manager.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
// An empty path selects the in-memory store (development mode).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds external agent process configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (default: "claude").
	Binary string `mapstructure:"binary"`

	// TranscriptRoot is the directory under which the agent writes per-project
	// transcript directories (default: ~/.claude/projects).
	TranscriptRoot string `mapstructure:"transcriptRoot"`

	// KillGraceSeconds is the grace period between SIGTERM and SIGKILL when
	// cancelling a running agent process (default: 5).
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`
}

// ReconcilerConfig holds filesystem reconciliation configuration.
type ReconcilerConfig struct {
	// CreatedAtToleranceMs is the maximum difference between the stored
	// created_at and the transcript's recorded creation time before the
	// reconciler queues a correction. Inherited as ~1s; kept configurable.
	CreatedAtToleranceMs int `mapstructure:"createdAtToleranceMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// KillGrace returns the kill grace period as a time.Duration.
func (a *AgentConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

// CreatedAtTolerance returns the created_at correction tolerance as a time.Duration.
func (r *ReconcilerConfig) CreatedAtTolerance() time.Duration {
	return time.Duration(r.CreatedAtToleranceMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODEDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means use in-memory store
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codedeck-session-manager")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.transcriptRoot", "")
	v.SetDefault("agent.killGraceSeconds", 5)

	// Reconciler defaults
	v.SetDefault("reconciler.createdAtToleranceMs", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/codedeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.transcriptRoot", "CODEDECK_AGENT_TRANSCRIPT_ROOT")
	_ = v.BindEnv("agent.killGraceSeconds", "CODEDECK_AGENT_KILL_GRACE_SECONDS")
	_ = v.BindEnv("reconciler.createdAtToleranceMs", "CODEDECK_RECONCILER_CREATED_AT_TOLERANCE_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codedeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.KillGraceSeconds <= 0 {
		errs = append(errs, "agent.killGraceSeconds must be positive")
	}

	if cfg.Reconciler.CreatedAtToleranceMs < 0 {
		errs = append(errs, "reconciler.createdAtToleranceMs must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// TranscriptRootOrDefault returns the configured transcript root, falling back
// to ~/.claude/projects when unset.
func (a *AgentConfig) TranscriptRootOrDefault() (string, error) {
	if a.TranscriptRoot != "" {
		return a.TranscriptRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return home + "/.claude/projects", nil
}
