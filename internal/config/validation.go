package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validatePaths(cfg); err != nil {
		return err
	}

	if err := validateRegistry(&cfg.Registry); err != nil {
		return err
	}

	if err := validateWrapper(&cfg.Wrapper); err != nil {
		return err
	}

	if err := validateClaude(&cfg.Claude); err != nil {
		return err
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}

	return nil
}

func validatePaths(cfg *Config) error {
	if cfg.SocketDir == "" {
		return fmt.Errorf("socket_dir must not be empty")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

func validateRegistry(cfg *RegistryConfig) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("registry.db_path must not be empty")
	}
	if cfg.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("registry.request_timeout_secs must be positive, got %d", cfg.RequestTimeoutSecs)
	}
	if cfg.CleanupAfterHours <= 0 {
		return fmt.Errorf("registry.cleanup_after_hours must be positive, got %d", cfg.CleanupAfterHours)
	}
	if cfg.JanitorIntervalMins <= 0 {
		return fmt.Errorf("registry.janitor_interval_mins must be positive, got %d", cfg.JanitorIntervalMins)
	}
	return nil
}

func validateWrapper(cfg *WrapperConfig) error {
	if cfg.BufferSize < 512 {
		return fmt.Errorf("wrapper.buffer_size must be at least 512 bytes, got %d", cfg.BufferSize)
	}
	if cfg.HandleWaitSecs <= 0 {
		return fmt.Errorf("wrapper.handle_wait_secs must be positive, got %d", cfg.HandleWaitSecs)
	}
	if cfg.InjectPauseMS < 0 {
		return fmt.Errorf("wrapper.inject_pause_ms must not be negative, got %d", cfg.InjectPauseMS)
	}
	if cfg.GracePeriodSecs <= 0 {
		return fmt.Errorf("wrapper.grace_period_secs must be positive, got %d", cfg.GracePeriodSecs)
	}
	return nil
}

func validateClaude(cfg *ClaudeConfig) error {
	if cfg.Command == "" {
		return fmt.Errorf("claude.command must not be empty")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace/debug/info/warn/error, got %q", cfg.Level)
	}

	switch cfg.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Format)
	}
	return nil
}
