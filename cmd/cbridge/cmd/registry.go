package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbridge/cbridge/internal/app"
	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	registrySocketDir string
	registryDBPath    string
)

// registryCmd represents the registry daemon command.
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the session registry daemon",
	Long: `Run the registry daemon that tracks session-to-thread bindings.

The daemon owns the session store, serves the registry socket, expires
stale records, and - when Slack is configured - creates threads and
relays thread replies back into live sessions.

It runs in the foreground; wrappers spawn it detached on demand, so
running it by hand is only needed for debugging:

  cbridge registry
  cbridge registry -v            # debug logging
  cbridge registry --db /tmp/r.db`,
	RunE: runRegistry,
}

func init() {
	registryCmd.Flags().StringVar(&registrySocketDir, "socket-dir", "", "directory for registry and session sockets")
	registryCmd.Flags().StringVar(&registryDBPath, "db", "", "path to the session store database")
}

func runRegistry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if registrySocketDir != "" {
		cfg.SocketDir = registrySocketDir
	}
	if registryDBPath != "" {
		cfg.Registry.DBPath = registryDBPath
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("socket", cfg.RegistrySocketPath()).
		Msg("starting registry")

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := application.Start(ctx); err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			return fmt.Errorf("registry is already running on %s", cfg.RegistrySocketPath())
		}
		return fmt.Errorf("daemon error: %w", err)
	}

	log.Info().Msg("registry stopped")
	return nil
}
