// Package relay routes inbound thread replies to the matching session's
// input socket.
package relay

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/store"
)

const (
	dialTimeout = 5 * time.Second
	maxAttempts = 3
	retryBase   = 100 * time.Millisecond
	retryFactor = 3

	// Legacy wrapper ids are 8 hex chars; those records own the socket.
	shortIDLen = 8
)

// reactionInputs maps emoji reactions to the digit a numbered prompt
// expects. Thumbs and check marks shortcut the common approve/deny rows.
var reactionInputs = map[string]string{
	"one":   "1",
	"two":   "2",
	"three": "3",
	"four":  "4",
	"five":  "5",

	"+1":         "1",
	"thumbsup":   "1",
	"-1":         "3",
	"thumbsdown": "3",

	"white_check_mark": "1",
	"x":                "3",
	"heavy_check_mark": "1",
}

// Relay delivers thread replies as keystroke injections.
type Relay struct {
	store    *store.Store
	platform platform.Platform
}

// New creates a relay over the session store and chat platform.
func New(st *store.Store, p platform.Platform) *Relay {
	return &Relay{store: st, platform: p}
}

// Run consumes replies until ctx is cancelled or the channel closes.
func (r *Relay) Run(ctx context.Context, replies <-chan platform.ThreadReply) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				return
			}
			r.Handle(ctx, reply)
		}
	}
}

// Handle routes one reply. Failures are reported back to the thread as a
// warning reaction; they never stop the relay.
func (r *Relay) Handle(ctx context.Context, reply platform.ThreadReply) {
	text := reply.Text
	if reply.Reaction != "" {
		mapped, ok := reactionInputs[reply.Reaction]
		if !ok {
			log.Debug().Str("reaction", reply.Reaction).Msg("unmapped reaction, ignored")
			return
		}
		text = mapped
	}
	if text == "" {
		return
	}

	socketPath := r.resolveSocket(reply.ThreadHandle, reply.ChannelHandle)
	if socketPath == "" {
		log.Warn().Str("thread_handle", reply.ThreadHandle).Msg("no live session for thread")
		r.react(ctx, reply, "warning")
		return
	}

	if err := deliver(socketPath, text); err != nil {
		log.Warn().Err(err).Str("socket_path", socketPath).Msg("failed to deliver reply")
		r.react(ctx, reply, "warning")
		return
	}

	log.Info().
		Str("thread_handle", reply.ThreadHandle).
		Int("bytes", len(text)).
		Msg("delivered thread reply")
	r.react(ctx, reply, "white_check_mark")
}

// resolveSocket picks the input socket for a thread. The wrapper record
// owns the socket and host-id aliases share it; a record whose socket
// file is gone is stale and skipped.
func (r *Relay) resolveSocket(thread, channel string) string {
	records, err := r.store.FindAllByThread(thread, channel)
	if err != nil {
		log.Error().Err(err).Msg("thread lookup failed")
		return ""
	}

	var candidates []*store.Record
	for _, rec := range records {
		if rec.Status == store.StatusActive && len(rec.SessionID) == shortIDLen {
			candidates = append(candidates, rec)
		}
	}
	for _, rec := range records {
		if rec.Status == store.StatusActive && len(rec.SessionID) != shortIDLen {
			candidates = append(candidates, rec)
		}
	}

	seen := make(map[string]bool)
	for _, rec := range candidates {
		if rec.SocketPath == "" || seen[rec.SocketPath] {
			continue
		}
		seen[rec.SocketPath] = true
		if _, err := os.Stat(rec.SocketPath); err != nil {
			log.Debug().
				Str("session_id", rec.SessionID).
				Str("socket_path", rec.SocketPath).
				Msg("stale session socket, skipped")
			continue
		}
		return rec.SocketPath
	}
	return ""
}

// deliver writes text to the socket, one connection per message, with
// bounded retries.
func deliver(socketPath, text string) error {
	backoff := retryBase
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= retryFactor
		}
		conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
		_, werr := conn.Write([]byte(text))
		cerr := conn.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
	}
	return lastErr
}

// react acknowledges handling back onto the thread, best-effort.
func (r *Relay) react(ctx context.Context, reply platform.ThreadReply, name string) {
	if reply.ChannelHandle == "" || reply.Timestamp == "" {
		return
	}
	if err := r.platform.AddReaction(ctx, reply.ChannelHandle, reply.Timestamp, name); err != nil {
		log.Debug().Err(err).Msg("could not add reaction")
	}
}
