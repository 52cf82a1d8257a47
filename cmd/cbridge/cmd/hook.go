package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/hooks"
	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/platform/slack"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// hookCmd is the parent command for hook subcommands.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle Claude Code hook events",
	Long: `Handle hook events from Claude Code.

These commands are designed to be called by Claude Code's hook system.
They read JSON from stdin; delivery results go to the hook log, never
to the terminal. They always exit 0 so a broken bridge cannot block a
Claude session.

Configure via the installer:
  cbridge hook install

which writes a forwarder script and wires Stop, Notification and
PreToolUse entries into ~/.claude/settings.json.`,
}

// hookStopCmd mirrors a finished response into the session thread.
var hookStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Forward a completed response to the session thread",
	RunE:  makeHookRunner("stop"),
}

// hookNotificationCmd forwards permission and idle prompts.
var hookNotificationCmd = &cobra.Command{
	Use:   "notification",
	Short: "Forward a permission or idle prompt to the session thread",
	RunE:  makeHookRunner("notification"),
}

// hookPreToolUseCmd forwards AskUserQuestion option menus.
var hookPreToolUseCmd = &cobra.Command{
	Use:   "pretooluse",
	Short: "Forward structured question options to the session thread",
	RunE:  makeHookRunner("pretooluse"),
}

// hookInstallCmd installs the Claude Code hook forwarder.
var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install Claude Code hooks for session bridging",
	Long: `Install hooks into Claude Code's settings so sessions report back to
cbridge.

This command:
1. Creates a forwarder script in ~/.cbridge/hooks/forward.sh
2. Adds Stop, Notification and PreToolUse entries to ~/.claude/settings.json
3. Backs up the previous settings next to the original

The hooks fail silently when cbridge is not running, so they won't
interfere with normal Claude Code operation.

Examples:
  cbridge hook install
  cbridge hook status`,
	RunE: runHookInstall,
}

// hookUninstallCmd removes the Claude Code hooks.
var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove Claude Code hooks",
	Long: `Remove cbridge hooks from Claude Code's settings.

This command:
1. Removes cbridge-managed entries from ~/.claude/settings.json
2. Deletes ~/.cbridge/hooks/

Examples:
  cbridge hook uninstall`,
	RunE: runHookUninstall,
}

// hookStatusCmd shows hook installation status.
var hookStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Claude Code hooks installation status",
	RunE:  runHookStatus,
}

func init() {
	// Add hook command to root
	rootCmd.AddCommand(hookCmd)

	// Add subcommands to hook
	hookCmd.AddCommand(hookStopCmd)
	hookCmd.AddCommand(hookNotificationCmd)
	hookCmd.AddCommand(hookPreToolUseCmd)
	hookCmd.AddCommand(hookInstallCmd)
	hookCmd.AddCommand(hookUninstallCmd)
	hookCmd.AddCommand(hookStatusCmd)
}

// makeHookRunner builds the handler for one hook kind. Failures are
// logged and swallowed: a hook must never fail the Claude session that
// invoked it.
func makeHookRunner(kind string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cbridge hook: %v\n", err)
			return nil
		}

		closeLog := setupHookLogging(cfg)
		defer closeLog()

		client := registry.NewClient(cfg.RegistrySocketPath())
		handler := hooks.NewHandler(client, hookPlatform(cfg))

		if err := handler.Dispatch(context.Background(), kind, cmd.InOrStdin()); err != nil {
			log.Error().Err(err).Str("hook", kind).Msg("hook failed")
		}
		return nil
	}
}

// hookPlatform picks the posting backend the same way the daemon does.
func hookPlatform(cfg *config.Config) platform.Platform {
	sl := cfg.Slack
	if !sl.Enabled || sl.BotToken == "" || sl.Channel == "" {
		return platform.NewNoop()
	}
	return slack.NewClient(sl.BotToken, sl.Channel)
}

// setupHookLogging appends hook activity to <data-dir>/logs/hooks.log.
// Stdout and stderr are owned by the Claude hook protocol.
func setupHookLogging(cfg *config.Config) func() {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logDir := cfg.LogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return func() {}
	}
	f, err := os.OpenFile(filepath.Join(logDir, "hooks.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return func() {}
	}

	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return func() { _ = f.Close() }
}

// hooksManager builds the installer against the current executable.
func hooksManager() *hooks.Manager {
	binPath, err := os.Executable()
	if err != nil {
		binPath = "cbridge"
	}
	return hooks.NewManager(binPath)
}

// runHookInstall installs the Claude Code hook forwarder.
func runHookInstall(cmd *cobra.Command, args []string) error {
	manager := hooksManager()

	if manager.IsInstalled() {
		fmt.Println("Claude Code hooks are already installed.")
		fmt.Printf("Status: %s\n", manager.Status())
		return nil
	}

	fmt.Println("Installing Claude Code hooks...")
	if err := manager.Install(); err != nil {
		return fmt.Errorf("failed to install hooks: %w", err)
	}

	fmt.Println("✓ Claude Code hooks installed successfully!")
	fmt.Println()
	fmt.Println("What this enables:")
	fmt.Println("  • Completed responses mirrored into each session's thread")
	fmt.Println("  • Permission prompts forwarded with their exact options")
	fmt.Println("  • Structured questions forwarded as numbered menus")
	fmt.Println()
	fmt.Println("The hooks only forward events when cbridge is running.")
	fmt.Println("To remove hooks: cbridge hook uninstall")

	return nil
}

// runHookUninstall removes the Claude Code hooks.
func runHookUninstall(cmd *cobra.Command, args []string) error {
	manager := hooksManager()

	if !manager.IsInstalled() {
		fmt.Println("Claude Code hooks are not installed.")
		return nil
	}

	fmt.Println("Removing Claude Code hooks...")
	if err := manager.Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall hooks: %w", err)
	}

	fmt.Println("✓ Claude Code hooks removed successfully!")
	fmt.Println()
	fmt.Println("Sessions will no longer report to chat threads.")
	fmt.Println("To reinstall: cbridge hook install")

	return nil
}

// runHookStatus shows the hook installation status.
func runHookStatus(cmd *cobra.Command, args []string) error {
	manager := hooksManager()

	fmt.Println("Claude Code Hooks Status")
	fmt.Println("========================")
	fmt.Printf("Installed: %v\n", manager.IsInstalled())
	fmt.Printf("Status:    %s\n", manager.Status())

	if manager.IsInstalled() {
		fmt.Println()
		fmt.Println("Active hooks:")
		fmt.Println("  • Stop          → response mirroring")
		fmt.Println("  • Notification  → permission and idle prompts")
		fmt.Println("  • PreToolUse    → AskUserQuestion menus")
	}

	return nil
}
