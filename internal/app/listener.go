package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/platform/slack"
	"github.com/cbridge/cbridge/internal/relay"
	"github.com/cbridge/cbridge/internal/store"
)

// Listener is the inbound half of the bridge run as its own process:
// it consumes chat events over Socket Mode and injects thread replies
// into live sessions. It shares the session store with the registry
// daemon through SQLite WAL and never touches the registry socket.
type Listener struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewListener creates a standalone reply listener.
func NewListener(cfg *config.Config, logger *slog.Logger) *Listener {
	return &Listener{cfg: cfg, logger: logger}
}

// Run connects to Slack and relays thread replies until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	sl := l.cfg.Slack
	if sl.BotToken == "" {
		return fmt.Errorf("slack bot token is required (slack.bot_token or CBRIDGE_SLACK_BOT_TOKEN)")
	}
	if sl.AppToken == "" {
		return fmt.Errorf("slack app token is required (slack.app_token or CBRIDGE_SLACK_APP_TOKEN)")
	}

	st, err := store.Open(l.cfg.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = st.Close() }()

	client := slack.NewClient(sl.BotToken, sl.Channel)
	source := slack.NewSocketMode(sl.AppToken,
		slack.WithThreadResolver(client.ThreadRootOf))
	rel := relay.New(st, client)

	l.logger.Info("Listening for thread replies",
		"channel", sl.Channel,
		"db", l.cfg.Registry.DBPath,
	)

	replies := make(chan platform.ThreadReply, 16)
	go func() {
		defer close(replies)
		_ = source.Listen(ctx, replies)
	}()
	rel.Run(ctx, replies)

	l.logger.Info("Listener stopped")
	return nil
}
