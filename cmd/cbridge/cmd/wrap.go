package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/wrapper"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	wrapSessionID  string
	wrapProjectDir string
	wrapCommand    string
)

// wrapCmd represents the wrap command.
var wrapCmd = &cobra.Command{
	Use:   "wrap [flags] [-- host args]",
	Short: "Run a Claude Code session bridged to a chat thread",
	Long: `Run the host CLI inside a pseudo-terminal, register the session with
the registry daemon, and bridge it to a chat thread.

The terminal behaves exactly as if the CLI were run directly. On top of
that, remote replies to the session's thread are injected as keystrokes,
and hook events (responses, permission prompts) are forwarded into the
thread. If the registry cannot be reached the session still runs, just
without bridging.

Arguments after -- are passed to the host CLI unchanged:

  cbridge wrap
  cbridge wrap -- --continue
  cbridge wrap --project-dir ~/code/api -- --model opus`,
	RunE: runWrap,
}

func init() {
	wrapCmd.Flags().StringVar(&wrapSessionID, "session-id", "", "session id (auto-generated if not provided)")
	wrapCmd.Flags().StringVar(&wrapProjectDir, "project-dir", "", "project directory (default: current directory)")
	wrapCmd.Flags().StringVar(&wrapCommand, "command", "", "host CLI executable (default: from config)")
}

func runWrap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	w, err := wrapper.New(cfg, wrapper.Options{
		SessionID:  wrapSessionID,
		ProjectDir: wrapProjectDir,
		Command:    wrapCommand,
		Args:       args,
	})
	if err != nil {
		return err
	}

	// Stdout and stderr belong to the pty session, so the wrapper logs
	// to a file instead of the terminal.
	closeLog, err := setupWrapperLogging(cfg, w.SessionID())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: wrapper log unavailable: %v\n", err)
	} else {
		defer closeLog()
	}

	log.Info().
		Str("version", version).
		Str("session_id", w.SessionID()).
		Msg("starting wrapped session")

	return w.Run(context.Background())
}

// setupWrapperLogging sends the global logger to
// <data-dir>/logs/wrapper_<sid>.log.
func setupWrapperLogging(cfg *config.Config, sessionID string) (func(), error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	logDir := cfg.LogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, "wrapper_"+sessionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return func() { _ = f.Close() }, nil
}
