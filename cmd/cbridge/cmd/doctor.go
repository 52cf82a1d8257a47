// Package cmd contains the CLI commands for cbridge.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/cbridge/cbridge/internal/store"
	"github.com/spf13/cobra"
)

var (
	doctorJSON   bool
	doctorStrict bool
)

type doctorStatus string

const (
	doctorStatusOK   doctorStatus = "ok"
	doctorStatusWarn doctorStatus = "warn"
	doctorStatusFail doctorStatus = "fail"
)

type doctorCheck struct {
	ID          string                 `json:"id"`
	Status      doctorStatus           `json:"status"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
}

type doctorSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Fail  int `json:"fail"`
}

type doctorReport struct {
	Version      string        `json:"version"`
	GeneratedAt  string        `json:"generated_at"`
	Overall      doctorStatus  `json:"overall_status"`
	Summary      doctorSummary `json:"summary"`
	Checks       []doctorCheck `json:"checks"`
	SearchConfig []string      `json:"config_search_paths,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run local diagnostics with remediation hints",
	Long: `Run read-only diagnostics against the local cbridge setup and print
actionable hints.

By default the output is human-readable text.
Use --json for machine-readable output.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output machine-readable JSON")
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "return non-zero on warnings")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := collectDoctorReport()

	if doctorJSON {
		if err := printDoctorJSON(report); err != nil {
			return err
		}
	} else {
		printDoctorText(report)
	}

	if report.Summary.Fail > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", report.Summary.Fail)
	}
	if doctorStrict && report.Summary.Warn > 0 {
		return fmt.Errorf("doctor strict mode failed with %d warning(s)", report.Summary.Warn)
	}
	return nil
}

func collectDoctorReport() doctorReport {
	checks := make([]doctorCheck, 0, 8)

	cfg := defaultDoctorConfig()
	loadedCfg, cfgCheck := checkConfigLoad(cfgFile)
	checks = append(checks, cfgCheck)
	if loadedCfg != nil {
		cfg = loadedCfg
	}

	checks = append(checks, checkConfigDirectory())
	checks = append(checks, checkRegistrySocket(cfg))
	checks = append(checks, checkSessionStore(cfg))
	checks = append(checks, checkCommandBinary("runtime.claude_cli", cfg.Claude.Command, true))
	checks = append(checks, checkDirectoryExists(
		"sessions.claude_dir",
		filepath.Join(userHomeDir(), ".claude", "projects"),
		"Claude transcripts directory exists",
		"No Claude sessions found yet. Start a Claude run to create it.",
	))
	checks = append(checks, checkHooksInstalled())
	checks = append(checks, checkSlackCredentials(cfg))

	summary := summarizeDoctorChecks(checks)
	return doctorReport{
		Version:      "1.0",
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Overall:      overallStatus(summary),
		Summary:      summary,
		Checks:       checks,
		SearchConfig: configSearchPaths(cfgFile),
	}
}

func checkConfigLoad(path string) (*config.Config, doctorCheck) {
	cfg, err := config.Load(path)
	searchPaths := configSearchPaths(path)
	if err != nil {
		return nil, doctorCheck{
			ID:      "config.load",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to load config: %v", err),
			Details: map[string]interface{}{
				"config_path":  strings.TrimSpace(path),
				"search_paths": searchPaths,
			},
			Remediation: "Fix the config file syntax, or run `cbridge config init --force` to regenerate defaults.",
		}
	}

	source := findFirstExistingPath(searchPaths)
	msg := "Configuration loaded using built-in defaults and environment overrides"
	if source != "" {
		msg = "Configuration loaded successfully"
	}

	return cfg, doctorCheck{
		ID:      "config.load",
		Status:  doctorStatusOK,
		Message: msg,
		Details: map[string]interface{}{
			"loaded_from":  source,
			"search_paths": searchPaths,
		},
	}
}

func checkConfigDirectory() doctorCheck {
	dir, err := config.GetConfigDir()
	if err != nil {
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to resolve config directory: %v", err),
			Remediation: "Verify your HOME environment and filesystem permissions.",
		}
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return doctorCheck{
				ID:      "config.directory",
				Status:  doctorStatusWarn,
				Message: "Config directory does not exist yet",
				Details: map[string]interface{}{
					"path": dir,
				},
				Remediation: "Run `cbridge config init` to create initial local configuration.",
			}
		}
		return doctorCheck{
			ID:      "config.directory",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to access config directory: %v", statErr),
			Details: map[string]interface{}{
				"path": dir,
			},
			Remediation: "Fix directory permissions or create the directory manually.",
		}
	}

	if !info.IsDir() {
		return doctorCheck{
			ID:      "config.directory",
			Status:  doctorStatusFail,
			Message: "Config path exists but is not a directory",
			Details: map[string]interface{}{
				"path": dir,
			},
			Remediation: "Remove the file and recreate directory with `mkdir -p ~/.cbridge`.",
		}
	}

	return doctorCheck{
		ID:      "config.directory",
		Status:  doctorStatusOK,
		Message: "Config directory is available",
		Details: map[string]interface{}{
			"path": dir,
		},
	}
}

// checkRegistrySocket probes the registry with the LIST liveness command.
func checkRegistrySocket(cfg *config.Config) doctorCheck {
	socketPath := cfg.RegistrySocketPath()

	if _, err := os.Stat(socketPath); err != nil {
		if os.IsNotExist(err) {
			return doctorCheck{
				ID:      "registry.socket",
				Status:  doctorStatusWarn,
				Message: "Registry is not running",
				Details: map[string]interface{}{
					"socket": socketPath,
				},
				Remediation: "It starts automatically with `cbridge wrap`, or run `cbridge registry` by hand.",
			}
		}
		return doctorCheck{
			ID:      "registry.socket",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to inspect registry socket: %v", err),
			Details: map[string]interface{}{
				"socket": socketPath,
			},
			Remediation: "Check permissions on the socket directory.",
		}
	}

	if err := registry.NewClient(socketPath).Ping(); err != nil {
		return doctorCheck{
			ID:      "registry.socket",
			Status:  doctorStatusFail,
			Message: "Registry socket exists but is not responding",
			Details: map[string]interface{}{
				"socket": socketPath,
			},
			Remediation: "The next `cbridge wrap` repairs stale sockets automatically, or remove the socket file and restart.",
		}
	}

	return doctorCheck{
		ID:      "registry.socket",
		Status:  doctorStatusOK,
		Message: "Registry is responding",
		Details: map[string]interface{}{
			"socket": socketPath,
		},
	}
}

// checkSessionStore opens the store read-only-ish: a missing file is
// reported without creating it.
func checkSessionStore(cfg *config.Config) doctorCheck {
	dbPath := cfg.Registry.DBPath

	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return doctorCheck{
				ID:      "registry.database",
				Status:  doctorStatusWarn,
				Message: "No session store yet",
				Details: map[string]interface{}{
					"path": dbPath,
				},
				Remediation: "The store is created when the registry first runs.",
			}
		}
		return doctorCheck{
			ID:      "registry.database",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to inspect session store: %v", err),
			Details: map[string]interface{}{
				"path": dbPath,
			},
			Remediation: "Check permissions on the data directory.",
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return doctorCheck{
			ID:      "registry.database",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to open session store: %v", err),
			Details: map[string]interface{}{
				"path": dbPath,
			},
			Remediation: "The store may be corrupt. Back it up and remove it; the registry recreates it.",
		}
	}
	defer func() { _ = st.Close() }()

	records, err := st.List("")
	if err != nil {
		return doctorCheck{
			ID:      "registry.database",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to query session store: %v", err),
			Details: map[string]interface{}{
				"path": dbPath,
			},
			Remediation: "The store may be corrupt. Back it up and remove it; the registry recreates it.",
		}
	}

	return doctorCheck{
		ID:      "registry.database",
		Status:  doctorStatusOK,
		Message: "Session store is readable",
		Details: map[string]interface{}{
			"path":     dbPath,
			"sessions": len(records),
		},
	}
}

func checkHooksInstalled() doctorCheck {
	if hooksManager().IsInstalled() {
		return doctorCheck{
			ID:      "hooks.installed",
			Status:  doctorStatusOK,
			Message: "Claude Code hooks are installed",
		}
	}
	return doctorCheck{
		ID:          "hooks.installed",
		Status:      doctorStatusWarn,
		Message:     "Claude Code hooks are not installed",
		Remediation: "Run `cbridge hook install` to enable turn-end mirroring and self-heal.",
	}
}

func checkSlackCredentials(cfg *config.Config) doctorCheck {
	sl := cfg.Slack
	if !sl.Enabled {
		return doctorCheck{
			ID:          "slack.credentials",
			Status:      doctorStatusWarn,
			Message:     "Slack is disabled; sessions run without thread bridging",
			Remediation: "Set slack.enabled plus bot_token, app_token and channel to bridge sessions.",
		}
	}

	missing := make([]string, 0, 3)
	if sl.BotToken == "" {
		missing = append(missing, "bot_token")
	}
	if sl.AppToken == "" {
		missing = append(missing, "app_token")
	}
	if sl.Channel == "" {
		missing = append(missing, "channel")
	}
	if len(missing) > 0 {
		return doctorCheck{
			ID:      "slack.credentials",
			Status:  doctorStatusFail,
			Message: "Slack is enabled but credentials are incomplete",
			Details: map[string]interface{}{
				"missing": missing,
			},
			Remediation: "Set the missing slack.* keys in config or CBRIDGE_SLACK_* environment variables.",
		}
	}

	return doctorCheck{
		ID:      "slack.credentials",
		Status:  doctorStatusOK,
		Message: "Slack credentials are configured",
		Details: map[string]interface{}{
			"channel": sl.Channel,
		},
	}
}

func checkCommandBinary(id, command string, recommended bool) doctorCheck {
	execName := extractCommandName(command)
	if execName == "" {
		return doctorCheck{
			ID:          id,
			Status:      doctorStatusFail,
			Message:     "Command is empty",
			Remediation: "Set the command in config to a valid executable name or absolute path.",
		}
	}

	resolved, err := exec.LookPath(execName)
	if err != nil {
		status := doctorStatusWarn
		remediation := fmt.Sprintf("Install `%s` and ensure it is available in PATH.", execName)
		if recommended {
			status = doctorStatusFail
			remediation = fmt.Sprintf("Install `%s` or update config to a valid command path.", execName)
		}
		return doctorCheck{
			ID:      id,
			Status:  status,
			Message: fmt.Sprintf("Command not found in PATH: %s", execName),
			Details: map[string]interface{}{
				"configured": command,
			},
			Remediation: remediation,
		}
	}

	return doctorCheck{
		ID:      id,
		Status:  doctorStatusOK,
		Message: "Command is available",
		Details: map[string]interface{}{
			"configured": command,
			"resolved":   resolved,
		},
	}
}

func checkDirectoryExists(id, path, okMessage, missingRemediation string) doctorCheck {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doctorCheck{
				ID:      id,
				Status:  doctorStatusWarn,
				Message: "Directory not found",
				Details: map[string]interface{}{
					"path": path,
				},
				Remediation: missingRemediation,
			}
		}
		return doctorCheck{
			ID:      id,
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to read directory: %v", err),
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Check filesystem permissions.",
		}
	}

	if !info.IsDir() {
		return doctorCheck{
			ID:      id,
			Status:  doctorStatusFail,
			Message: "Path exists but is not a directory",
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Remove the file and create the directory path.",
		}
	}

	return doctorCheck{
		ID:      id,
		Status:  doctorStatusOK,
		Message: okMessage,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

func summarizeDoctorChecks(checks []doctorCheck) doctorSummary {
	summary := doctorSummary{Total: len(checks)}
	for _, check := range checks {
		switch check.Status {
		case doctorStatusOK:
			summary.OK++
		case doctorStatusWarn:
			summary.Warn++
		case doctorStatusFail:
			summary.Fail++
		}
	}
	return summary
}

func overallStatus(summary doctorSummary) doctorStatus {
	if summary.Fail > 0 {
		return doctorStatusFail
	}
	if summary.Warn > 0 {
		return doctorStatusWarn
	}
	return doctorStatusOK
}

func printDoctorJSON(report doctorReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printDoctorText(report doctorReport) {
	fmt.Printf("cbridge doctor v%s\n", report.Version)
	fmt.Printf("generated_at: %s\n", report.GeneratedAt)
	fmt.Printf("overall: %s  (ok=%d warn=%d fail=%d total=%d)\n\n",
		strings.ToUpper(string(report.Overall)),
		report.Summary.OK,
		report.Summary.Warn,
		report.Summary.Fail,
		report.Summary.Total,
	)

	for _, check := range report.Checks {
		label := "[OK]"
		if check.Status == doctorStatusWarn {
			label = "[WARN]"
		}
		if check.Status == doctorStatusFail {
			label = "[FAIL]"
		}

		fmt.Printf("%s %s: %s\n", label, check.ID, check.Message)
		if check.Remediation != "" && check.Status != doctorStatusOK {
			fmt.Printf("  fix: %s\n", check.Remediation)
		}
	}

	fmt.Println()
	fmt.Println("Tip: run `cbridge doctor --json` for machine-readable output.")
}

func defaultDoctorConfig() *config.Config {
	cfg := &config.Config{
		SocketDir: filepath.Join(os.TempDir(), "cbridge"),
		DataDir:   filepath.Join(userHomeDir(), ".cbridge"),
	}
	cfg.Registry.DBPath = filepath.Join(cfg.DataDir, "registry.db")
	cfg.Claude.Command = "claude"
	return cfg
}

func configSearchPaths(explicit string) []string {
	if strings.TrimSpace(explicit) != "" {
		return []string{explicit}
	}

	home := userHomeDir()
	return []string{
		filepath.Join(".", "config.yaml"),
		filepath.Join(home, ".cbridge", "config.yaml"),
		"/etc/cbridge/config.yaml",
	}
}

func findFirstExistingPath(paths []string) string {
	for _, candidate := range paths {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func extractCommandName(command string) string {
	parts := strings.Fields(strings.TrimSpace(command))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
