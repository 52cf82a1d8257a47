package platform

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Noop is the platform used when no chat backend is configured. Sessions
// registered against it run in single-session mode: records exist but
// never gain thread handles.
type Noop struct{}

// NewNoop returns the no-op platform.
func NewNoop() *Noop {
	return &Noop{}
}

// CreateThread returns an empty ref so callers degrade to single-session
// mode instead of failing.
func (n *Noop) CreateThread(ctx context.Context, info ThreadInfo) (ThreadRef, error) {
	log.Debug().Str("session_id", info.SessionID).Msg("no chat platform configured, skipping thread creation")
	return ThreadRef{}, nil
}

// PostMessage drops the message.
func (n *Noop) PostMessage(ctx context.Context, ref ThreadRef, text string) error {
	return nil
}

// AddReaction drops the reaction.
func (n *Noop) AddReaction(ctx context.Context, channel, timestamp, name string) error {
	return nil
}

// ArchiveThread does nothing.
func (n *Noop) ArchiveThread(ctx context.Context, ref ThreadRef, finalStatus string) error {
	return nil
}
