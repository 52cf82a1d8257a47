// Package config handles configuration management for cbridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	SocketDir string         `mapstructure:"socket_dir" yaml:"socket_dir"`
	DataDir   string         `mapstructure:"data_dir" yaml:"data_dir"`
	Registry  RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Wrapper   WrapperConfig  `mapstructure:"wrapper" yaml:"wrapper"`
	Claude    ClaudeConfig   `mapstructure:"claude" yaml:"claude"`
	Slack     SlackConfig    `mapstructure:"slack" yaml:"slack"`
	Logging   LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// RegistryConfig holds registry daemon configuration.
type RegistryConfig struct {
	DBPath              string `mapstructure:"db_path" yaml:"db_path"`
	RequestTimeoutSecs  int    `mapstructure:"request_timeout_secs" yaml:"request_timeout_secs"`
	CleanupAfterHours   int    `mapstructure:"cleanup_after_hours" yaml:"cleanup_after_hours"`
	JanitorIntervalMins int    `mapstructure:"janitor_interval_mins" yaml:"janitor_interval_mins"`
}

// WrapperConfig holds session wrapper configuration.
type WrapperConfig struct {
	BufferSize      int `mapstructure:"buffer_size" yaml:"buffer_size"`
	HandleWaitSecs  int `mapstructure:"handle_wait_secs" yaml:"handle_wait_secs"`
	InjectPauseMS   int `mapstructure:"inject_pause_ms" yaml:"inject_pause_ms"`
	GracePeriodSecs int `mapstructure:"grace_period_secs" yaml:"grace_period_secs"`
}

// ClaudeConfig holds host CLI configuration.
type ClaudeConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// SlackConfig holds chat platform configuration.
type SlackConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BotToken string `mapstructure:"bot_token" yaml:"bot_token"`
	AppToken string `mapstructure:"app_token" yaml:"app_token"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default search paths
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cbridge")
		v.AddConfigPath("/etc/cbridge")
	}

	// Environment variable prefix
	v.SetEnvPrefix("CBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file (optional - not an error if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Post-process configuration
	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Filesystem defaults. The socket directory is shared by the registry
	// daemon and every wrapper instance on the host.
	v.SetDefault("socket_dir", filepath.Join(os.TempDir(), "cbridge"))
	v.SetDefault("data_dir", "")

	// Registry defaults
	v.SetDefault("registry.db_path", "")
	v.SetDefault("registry.request_timeout_secs", 5)
	v.SetDefault("registry.cleanup_after_hours", 24)
	v.SetDefault("registry.janitor_interval_mins", 60)

	// Wrapper defaults
	v.SetDefault("wrapper.buffer_size", 4096)
	v.SetDefault("wrapper.handle_wait_secs", 10)
	v.SetDefault("wrapper.inject_pause_ms", 100)
	v.SetDefault("wrapper.grace_period_secs", 5)

	// Host CLI defaults
	v.SetDefault("claude.command", "claude")
	v.SetDefault("claude.args", []string{})

	// Slack defaults. Tokens come from the environment
	// (CBRIDGE_SLACK_BOT_TOKEN / CBRIDGE_SLACK_APP_TOKEN) or the config file.
	v.SetDefault("slack.enabled", true)
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.channel", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// postProcess applies post-processing to configuration.
func postProcess(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, ".cbridge")
	}

	absData, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.DataDir = absData

	if cfg.Registry.DBPath == "" {
		cfg.Registry.DBPath = filepath.Join(cfg.DataDir, "registry.db")
	}

	return nil
}

// RegistrySocketPath returns the well-known registry socket address.
func (c *Config) RegistrySocketPath() string {
	return filepath.Join(c.SocketDir, "registry.sock")
}

// RegistryPidPath returns the registry daemon pidfile path.
func (c *Config) RegistryPidPath() string {
	return filepath.Join(c.SocketDir, "registry.pid")
}

// SessionSocketPath returns the input socket address for a session.
func (c *Config) SessionSocketPath(sessionID string) string {
	return filepath.Join(c.SocketDir, sessionID+".sock")
}

// LogDir returns the directory for wrapper log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// RequestTimeout returns the registry client request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Registry.RequestTimeoutSecs) * time.Second
}

// CleanupAfter returns the age threshold for janitor cleanup.
func (c *Config) CleanupAfter() time.Duration {
	return time.Duration(c.Registry.CleanupAfterHours) * time.Hour
}

// JanitorInterval returns the period between janitor passes.
func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.Registry.JanitorIntervalMins) * time.Minute
}

// HandleWait returns how long a wrapper waits for thread handles.
func (c *Config) HandleWait() time.Duration {
	return time.Duration(c.Wrapper.HandleWaitSecs) * time.Second
}

// InjectPause returns the pause between injected text and carriage return.
func (c *Config) InjectPause() time.Duration {
	return time.Duration(c.Wrapper.InjectPauseMS) * time.Millisecond
}

// GracePeriod returns the stop grace period before a forced kill.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Wrapper.GracePeriodSecs) * time.Second
}

// CaptureFilePath returns the side-channel capture file for a session.
// Out-of-process readers (hook entry points) derive the same path from
// the session id alone, so this must stay deterministic.
func CaptureFilePath(sessionID string) string {
	return filepath.Join(os.TempDir(), "cbridge_output_"+sessionID+".txt")
}

// GetConfigDir returns the user config directory for cbridge.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cbridge"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
