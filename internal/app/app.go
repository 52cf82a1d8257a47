// Package app orchestrates all components of cbridge.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/platform/slack"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/cbridge/cbridge/internal/relay"
	"github.com/cbridge/cbridge/internal/store"
	"github.com/rs/zerolog/log"
)

// App is the registry daemon: it owns the session store, the registry
// socket, the janitor, and (when Slack is configured) the Socket Mode
// listener plus the reply relay.
type App struct {
	cfg     *config.Config
	version string

	store    *store.Store
	platform platform.Platform
	events   platform.EventSource
	server   *registry.Server
	relay    *relay.Relay

	mu      sync.Mutex
	running bool
}

// New creates a new App instance.
func New(cfg *config.Config, version string) (*App, error) {
	return &App{cfg: cfg, version: version}, nil
}

// Start starts the daemon and blocks until context is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	a.running = true
	a.mu.Unlock()

	st, err := store.Open(a.cfg.Registry.DBPath)
	if err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = st

	a.platform = a.selectPlatform()

	svc := registry.NewService(st, a.platform)
	server := registry.NewServer(a.cfg, svc)
	if err := server.Listen(); err != nil {
		// Not ours to close: a live daemon owns the socket and pid file.
		_ = a.shutdown()
		return err
	}
	a.server = server

	log.Info().
		Str("version", a.version).
		Str("db", a.cfg.Registry.DBPath).
		Msg("registry daemon started")

	// The relay only runs when an event source exists; without app-level
	// credentials the daemon still registers sessions and creates threads.
	var wg sync.WaitGroup
	if a.events != nil {
		a.relay = relay.New(st, a.platform)
		replies := make(chan platform.ThreadReply, 16)
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(replies)
			_ = a.events.Listen(ctx, replies)
		}()
		go func() {
			defer wg.Done()
			a.relay.Run(ctx, replies)
		}()
	}

	err = a.server.Serve(ctx)
	wg.Wait()

	if shutdownErr := a.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// selectPlatform picks the chat backend from config. Slack needs a bot
// token and a channel; anything less degrades to the noop platform so
// sessions still register and run locally.
func (a *App) selectPlatform() platform.Platform {
	sl := a.cfg.Slack
	if !sl.Enabled || sl.BotToken == "" || sl.Channel == "" {
		log.Info().Msg("slack not configured, threads disabled")
		return platform.NewNoop()
	}

	client := slack.NewClient(sl.BotToken, sl.Channel)
	if sl.AppToken != "" {
		a.events = slack.NewSocketMode(sl.AppToken,
			slack.WithThreadResolver(client.ThreadRootOf))
	} else {
		log.Warn().Msg("no slack app token, thread replies will not reach sessions")
	}

	log.Info().Str("channel", sl.Channel).Msg("slack platform enabled")
	return client
}

// shutdown performs graceful shutdown of all components.
func (a *App) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	log.Info().Msg("shutting down...")

	if a.server != nil {
		a.server.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("error closing session store")
		}
	}

	return nil
}
