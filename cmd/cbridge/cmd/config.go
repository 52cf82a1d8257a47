// Package cmd contains the CLI commands for cbridge.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage cbridge configuration.

Without subcommands, shows the current effective configuration as YAML
with secrets masked.

Examples:
  cbridge config              # Show current config
  cbridge config init         # Create config file with defaults
  cbridge config path         # Show config file location
  cbridge config get <key>    # Get a config value
  cbridge config set <key> <value>  # Set a config value`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.cbridge/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  cbridge config init          # Create ~/.cbridge/config.yaml
  cbridge config init --local  # Create ./config.yaml
  cbridge config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

// configPathCmd shows config file location.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file location",
	Long: `Show where the config file is located and whether it exists.

Examples:
  cbridge config path`,
	Run: runConfigPath,
}

// configGetCmd gets a config value.
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value by key.

Keys use dot notation to access nested values.

Examples:
  cbridge config get socket_dir
  cbridge config get logging.level
  cbridge config get slack.channel`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

// configSetCmd sets a config value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by key.

Creates the config file if it doesn't exist.
Keys use dot notation to access nested values.

Examples:
  cbridge config set logging.level debug
  cbridge config set slack.channel "#sessions"
  cbridge config set wrapper.grace_period_secs 10`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	// Add subcommands to config
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	// Flags for init
	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.cbridge/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

// printConfig renders the effective configuration as YAML with tokens
// masked.
func printConfig(cfg *config.Config) {
	masked := *cfg
	if masked.Slack.BotToken != "" {
		masked.Slack.BotToken = "[redacted]"
	}
	if masked.Slack.AppToken != "" {
		masked.Slack.AppToken = "[redacted]"
	}

	out, err := yaml.Marshal(&masked)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	// Check if file exists
	if _, err := os.Stat(configPath); err == nil {
		if !configInitForce {
			return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
		}
	}

	// Write default config with comments
	if err := writeDefaultConfig(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Edit this file to customize cbridge behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting config dir: %v\n", err)
		os.Exit(1)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	// Check various locations
	locations := []string{
		"./config.yaml",
		configPath,
		"/etc/cbridge/config.yaml",
	}

	fmt.Println("Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, loc, exists)
	}

	fmt.Printf("\nConfig directory: %s\n", configDir)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := getConfigValue(cfg, key)
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	// Determine config path
	configDir, err := config.EnsureConfigDir()
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	// Load existing config or create new one
	var data map[string]interface{}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	}

	if data == nil {
		data = make(map[string]interface{})
	}

	// Set the value
	if err := setNestedValue(data, key, value); err != nil {
		return err
	}

	// Write back
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s = %s in %s\n", key, value, configPath)
	return nil
}

func getConfigValue(cfg *config.Config, key string) (interface{}, error) {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "socket_dir":
		return cfg.SocketDir, nil
	case "data_dir":
		return cfg.DataDir, nil
	case "registry":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "db_path":
			return cfg.Registry.DBPath, nil
		case "request_timeout_secs":
			return cfg.Registry.RequestTimeoutSecs, nil
		case "cleanup_after_hours":
			return cfg.Registry.CleanupAfterHours, nil
		case "janitor_interval_mins":
			return cfg.Registry.JanitorIntervalMins, nil
		}
	case "wrapper":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "buffer_size":
			return cfg.Wrapper.BufferSize, nil
		case "handle_wait_secs":
			return cfg.Wrapper.HandleWaitSecs, nil
		case "inject_pause_ms":
			return cfg.Wrapper.InjectPauseMS, nil
		case "grace_period_secs":
			return cfg.Wrapper.GracePeriodSecs, nil
		}
	case "claude":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "command":
			return cfg.Claude.Command, nil
		case "args":
			return strings.Join(cfg.Claude.Args, " "), nil
		}
	case "slack":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "enabled":
			return cfg.Slack.Enabled, nil
		case "bot_token":
			return cfg.Slack.BotToken, nil
		case "app_token":
			return cfg.Slack.AppToken, nil
		case "channel":
			return cfg.Slack.Channel, nil
		}
	case "logging":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "level":
			return cfg.Logging.Level, nil
		case "format":
			return cfg.Logging.Format, nil
		}
	}

	return nil, fmt.Errorf("unknown config key: %s", key)
}

func setNestedValue(data map[string]interface{}, key string, value string) error {
	parts := strings.Split(key, ".")

	// Navigate to the parent
	current := data
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := current[parts[i]]; !ok {
			current[parts[i]] = make(map[string]interface{})
		}
		if nested, ok := current[parts[i]].(map[string]interface{}); ok {
			current = nested
		} else {
			return fmt.Errorf("cannot set nested value: %s is not a map", parts[i])
		}
	}

	// Convert value to appropriate type based on key
	finalKey := parts[len(parts)-1]
	current[finalKey] = parseValue(key, value)

	return nil
}

func parseValue(key string, value string) interface{} {
	// Boolean values
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	// Integer values for known int fields
	intKeys := []string{"request_timeout_secs", "cleanup_after_hours",
		"janitor_interval_mins", "buffer_size", "handle_wait_secs",
		"inject_pause_ms", "grace_period_secs"}
	for _, k := range intKeys {
		if strings.HasSuffix(key, k) {
			var i int
			if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
				return i
			}
		}
	}

	// Default to string
	return value
}

func writeDefaultConfig(path string) error {
	content := `# cbridge Configuration
# Copy this file to ~/.cbridge/config.yaml and modify as needed

# Directory for the unix sockets shared by the registry daemon and
# session wrappers. Defaults to <tmp>/cbridge.
# socket_dir: "/tmp/cbridge"

# Directory for the session store and wrapper log files.
# Defaults to ~/.cbridge.
# data_dir: ""

# Registry daemon settings
registry:
  # Session store location (defaults to <data_dir>/registry.db)
  # db_path: ""

  # Client request timeout in seconds
  request_timeout_secs: 5

  # Remove ended and crashed session records older than this many hours
  cleanup_after_hours: 24

  # Minutes between janitor passes
  janitor_interval_mins: 60

# Session wrapper settings
wrapper:
  # Output capture ring buffer capacity in bytes
  buffer_size: 4096

  # How long registration waits for a thread handle before returning
  # a pending result (seconds)
  handle_wait_secs: 10

  # Pause between injected text and the carriage return (milliseconds)
  inject_pause_ms: 100

  # Grace period before a stop escalates to a kill (seconds)
  grace_period_secs: 5

# Host CLI settings
claude:
  # Path to the claude executable (or just "claude" if in PATH)
  command: "claude"

  # Extra arguments passed to every session
  args: []

# Slack bridging
slack:
  # Disable to run sessions without thread mirroring
  enabled: true

  # Bot token (xoxb-...); CBRIDGE_SLACK_BOT_TOKEN overrides
  # bot_token: ""

  # App-level token for Socket Mode (xapp-...); CBRIDGE_SLACK_APP_TOKEN overrides
  # app_token: ""

  # Channel where session threads are created
  # channel: "#sessions"

# Logging settings
logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: console (human-readable) or json
  format: "console"
`

	return os.WriteFile(path, []byte(content), 0644)
}
