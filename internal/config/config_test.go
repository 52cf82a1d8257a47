package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SocketDir != filepath.Join(os.TempDir(), "cbridge") {
		t.Errorf("default SocketDir = %s, want %s", cfg.SocketDir, filepath.Join(os.TempDir(), "cbridge"))
	}
	if cfg.Wrapper.BufferSize != 4096 {
		t.Errorf("default BufferSize = %d, want 4096", cfg.Wrapper.BufferSize)
	}
	if cfg.Registry.CleanupAfterHours != 24 {
		t.Errorf("default CleanupAfterHours = %d, want 24", cfg.Registry.CleanupAfterHours)
	}
	if cfg.Wrapper.InjectPauseMS != 100 {
		t.Errorf("default InjectPauseMS = %d, want 100", cfg.Wrapper.InjectPauseMS)
	}
	if cfg.Claude.Command != "claude" {
		t.Errorf("default Claude.Command = %s, want claude", cfg.Claude.Command)
	}
	if !cfg.Slack.Enabled {
		t.Error("default Slack.Enabled should be true")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %s, want info", cfg.Logging.Level)
	}

	// Derived paths
	if cfg.Registry.DBPath != filepath.Join(cfg.DataDir, "registry.db") {
		t.Errorf("default DBPath = %s, want under data dir", cfg.Registry.DBPath)
	}
	if got := cfg.RegistrySocketPath(); got != filepath.Join(cfg.SocketDir, "registry.sock") {
		t.Errorf("RegistrySocketPath = %s", got)
	}
	if got := cfg.SessionSocketPath("abc123"); got != filepath.Join(cfg.SocketDir, "abc123.sock") {
		t.Errorf("SessionSocketPath = %s", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	tempDir := t.TempDir()

	configContent := `
socket_dir: "` + tempDir + `"
data_dir: "` + tempDir + `"

registry:
  request_timeout_secs: 10
  cleanup_after_hours: 48

wrapper:
  buffer_size: 8192
  grace_period_secs: 2

slack:
  enabled: false
  channel: "C123"

logging:
  level: debug
  format: json
`
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SocketDir != tempDir {
		t.Errorf("SocketDir = %s, want %s", cfg.SocketDir, tempDir)
	}
	if cfg.Registry.RequestTimeoutSecs != 10 {
		t.Errorf("RequestTimeoutSecs = %d, want 10", cfg.Registry.RequestTimeoutSecs)
	}
	if cfg.CleanupAfter() != 48*time.Hour {
		t.Errorf("CleanupAfter = %v, want 48h", cfg.CleanupAfter())
	}
	if cfg.Wrapper.BufferSize != 8192 {
		t.Errorf("BufferSize = %d, want 8192", cfg.Wrapper.BufferSize)
	}
	if cfg.GracePeriod() != 2*time.Second {
		t.Errorf("GracePeriod = %v, want 2s", cfg.GracePeriod())
	}
	if cfg.Slack.Enabled {
		t.Error("Slack.Enabled should be false")
	}
	if cfg.Slack.Channel != "C123" {
		t.Errorf("Slack.Channel = %s, want C123", cfg.Slack.Channel)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %s, want json", cfg.Logging.Format)
	}

	// Unset values keep defaults
	if cfg.Wrapper.HandleWaitSecs != 10 {
		t.Errorf("HandleWaitSecs = %d, want default 10", cfg.Wrapper.HandleWaitSecs)
	}
}

func TestValidate_Rejects(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Wrapper.BufferSize = 100
	if err := Validate(cfg); err == nil {
		t.Error("expected error for tiny buffer_size")
	}

	cfg = base()
	cfg.Logging.Level = "loud"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unknown log level")
	}

	cfg = base()
	cfg.Logging.Format = "xml"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unknown log format")
	}

	cfg = base()
	cfg.Registry.RequestTimeoutSecs = 0
	if err := Validate(cfg); err == nil {
		t.Error("expected error for zero request timeout")
	}

	cfg = base()
	cfg.Claude.Command = ""
	if err := Validate(cfg); err == nil {
		t.Error("expected error for empty claude command")
	}
}

func TestCaptureFilePath_Deterministic(t *testing.T) {
	a := CaptureFilePath("deadbeef")
	b := CaptureFilePath("deadbeef")
	if a != b {
		t.Errorf("CaptureFilePath not deterministic: %s vs %s", a, b)
	}
	if a == CaptureFilePath("cafebabe") {
		t.Error("CaptureFilePath should differ per session id")
	}
}
