package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbridge/cbridge/internal/app"
	"github.com/cbridge/cbridge/internal/config"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// listenCmd represents the listen command.
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Relay chat thread replies to live sessions",
	Long: `Connect to Slack over Socket Mode and inject thread replies into the
matching live sessions as keystrokes.

Run this in its own terminal when the registry daemon was started
without an app-level token, or when you want the relay separate from
the daemon. Requires slack.bot_token and slack.app_token.

  cbridge listen
  cbridge listen -v`,
	RunE: runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup logger with pretty console output
	logLevel := slog.LevelInfo
	zerologLevel := zerolog.InfoLevel
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
		zerologLevel = zerolog.DebugLevel
	}

	// Configure zerolog global logger for the relay internals
	zerolog.SetGlobalLevel(zerologLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Configure slog logger for the listener itself
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.Kitchen,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	return app.NewListener(cfg, logger).Run(ctx)
}
