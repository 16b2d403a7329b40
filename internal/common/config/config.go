// Package config provides configuration management for agentscope.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentscope.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Terminal     TerminalConfig     `mapstructure:"terminal"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TerminalConfig holds terminal session manager configuration.
type TerminalConfig struct {
	MaxSessions     int `mapstructure:"maxSessions"`     // maximum concurrent PTY sessions
	FlushIntervalMs int `mapstructure:"flushIntervalMs"` // output batch flush tick
	IdleSweepSec    int `mapstructure:"idleSweepSec"`    // how often to evict idle sessions
	IdleTimeoutSec  int `mapstructure:"idleTimeoutSec"`  // session idle eviction threshold
	ExitGraceSec    int `mapstructure:"exitGraceSec"`    // delay before removing an exited session record
	Cols            int `mapstructure:"cols"`            // initial terminal columns
	Rows            int `mapstructure:"rows"`            // initial terminal rows
}

// OrchestratorConfig holds agent orchestrator configuration.
type OrchestratorConfig struct {
	DataDir          string `mapstructure:"dataDir"`          // per-session storage root (default: ~/.agentscope/sessions)
	OutputHistoryCap int    `mapstructure:"outputHistoryCap"` // max retained output lines per session
	StartSettleMs    int    `mapstructure:"startSettleMs"`    // wait before first write after terminal creation
	StartCommandMs   int    `mapstructure:"startCommandMs"`   // additional wait before sending the start command
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

// FlushInterval returns the output batch flush tick as a time.Duration.
func (t *TerminalConfig) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalMs) * time.Millisecond
}

// IdleSweepInterval returns the idle sweep period as a time.Duration.
func (t *TerminalConfig) IdleSweepInterval() time.Duration {
	return time.Duration(t.IdleSweepSec) * time.Second
}

// IdleTimeout returns the idle eviction threshold as a time.Duration.
func (t *TerminalConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutSec) * time.Second
}

// ExitGrace returns the post-exit removal grace period as a time.Duration.
func (t *TerminalConfig) ExitGrace() time.Duration {
	return time.Duration(t.ExitGraceSec) * time.Second
}

// StartSettleDelay returns the shell settle delay as a time.Duration.
func (o *OrchestratorConfig) StartSettleDelay() time.Duration {
	return time.Duration(o.StartSettleMs) * time.Millisecond
}

// StartCommandDelay returns the pre-command delay as a time.Duration.
func (o *OrchestratorConfig) StartCommandDelay() time.Duration {
	return time.Duration(o.StartCommandMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTSCOPE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentscope", "sessions")
	}
	return filepath.Join(home, ".agentscope", "sessions")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8844)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentscope")
	v.SetDefault("nats.maxReconnects", 10)

	// Terminal manager defaults
	v.SetDefault("terminal.maxSessions", 10)
	v.SetDefault("terminal.flushIntervalMs", 16) // one frame at 60Hz
	v.SetDefault("terminal.idleSweepSec", 300)
	v.SetDefault("terminal.idleTimeoutSec", 4*60*60) // long-running dev servers are fine
	v.SetDefault("terminal.exitGraceSec", 5)
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.rows", 24)

	// Orchestrator defaults
	v.SetDefault("orchestrator.dataDir", defaultDataDir())
	v.SetDefault("orchestrator.outputHistoryCap", 100)
	v.SetDefault("orchestrator.startSettleMs", 300)
	v.SetDefault("orchestrator.startCommandMs", 200)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTSCOPE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentscope/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("orchestrator.dataDir", "AGENTSCOPE_ORCHESTRATOR_DATA_DIR")
	_ = v.BindEnv("terminal.maxSessions", "AGENTSCOPE_TERMINAL_MAX_SESSIONS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentscope/")

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

	if cfg.Terminal.MaxSessions <= 0 {
		errs = append(errs, "terminal.maxSessions must be positive")
	}
	if cfg.Terminal.FlushIntervalMs <= 0 {
		errs = append(errs, "terminal.flushIntervalMs must be positive")
	}
	if cfg.Terminal.IdleTimeoutSec <= 0 {
		errs = append(errs, "terminal.idleTimeoutSec must be positive")
	}

	if cfg.Orchestrator.OutputHistoryCap <= 0 {
		errs = append(errs, "orchestrator.outputHistoryCap must be positive")
	}
	if cfg.Orchestrator.DataDir == "" {
		errs = append(errs, "orchestrator.dataDir is required")
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
