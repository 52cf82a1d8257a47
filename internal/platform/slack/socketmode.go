package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/platform"
)

// SocketMode receives thread replies over Slack's Socket Mode WebSocket.
// It needs an app-level token (xapp-...), separate from the bot token.
type SocketMode struct {
	http        *resty.Client
	dialer      *websocket.Dialer
	resolveRoot func(ctx context.Context, channel, timestamp string) (string, error)
}

// SocketModeOption configures a SocketMode source.
type SocketModeOption func(*SocketMode)

// WithConnectionsURL overrides the API base URL used to open connections.
// Used by tests.
func WithConnectionsURL(url string) SocketModeOption {
	return func(s *SocketMode) {
		s.http.SetBaseURL(url)
	}
}

// WithThreadResolver installs a lookup that maps a reacted message to
// its thread root. Without one, reaction replies carry the reacted
// message's own timestamp as the thread handle.
func WithThreadResolver(resolve func(ctx context.Context, channel, timestamp string) (string, error)) SocketModeOption {
	return func(s *SocketMode) {
		s.resolveRoot = resolve
	}
}

// NewSocketMode creates a Socket Mode event source.
func NewSocketMode(appToken string, opts ...SocketModeOption) *SocketMode {
	s := &SocketMode{
		http: resty.New().
			SetBaseURL(defaultAPIURL).
			SetAuthToken(appToken).
			SetTimeout(10 * time.Second),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// envelope is one Socket Mode frame. Every envelope with an id must be
// acknowledged or Slack redelivers it.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// eventPayload is the events_api payload subset this source cares about.
type eventPayload struct {
	Event struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		BotID    string `json:"bot_id"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
		Reaction string `json:"reaction"`
		Item     struct {
			Channel string `json:"channel"`
			TS      string `json:"ts"`
		} `json:"item"`
	} `json:"event"`
}

// Listen connects and delivers thread replies until ctx is cancelled.
// Dropped connections are reopened with capped exponential backoff.
func (s *SocketMode) Listen(ctx context.Context, replies chan<- platform.ThreadReply) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runConnection(ctx, replies)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("socket mode connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// openConnection asks the API for a fresh WebSocket URL.
func (s *SocketMode) openConnection(ctx context.Context) (string, error) {
	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
		URL   string `json:"url,omitempty"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/apps.connections.open")
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("apps.connections.open: HTTP %d", resp.StatusCode())
	}
	if !result.OK {
		return "", fmt.Errorf("apps.connections.open: %s", result.Error)
	}
	return result.URL, nil
}

// runConnection processes one WebSocket connection until it drops.
func (s *SocketMode) runConnection(ctx context.Context, replies chan<- platform.ThreadReply) error {
	wsURL, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("socket mode dial: %w", err)
	}

	// Unblock the read loop when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		// Ack first so slow handling never causes redelivery.
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(envelopeAck{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}

		switch env.Type {
		case "hello":
			log.Debug().Msg("socket mode connected")

		case "disconnect":
			return fmt.Errorf("server requested reconnect: %s", env.Reason)

		case "events_api":
			reply, ok := parseEvent(env.Payload)
			if !ok {
				continue
			}
			if reply.Reaction != "" && s.resolveRoot != nil {
				if root, err := s.resolveRoot(ctx, reply.ChannelHandle, reply.Timestamp); err == nil && root != "" {
					reply.ThreadHandle = root
				} else if err != nil {
					log.Debug().Err(err).Msg("could not resolve reaction thread root")
				}
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseEvent extracts a thread reply from an events_api payload. Bot
// messages and non-threaded chatter are dropped.
func parseEvent(payload json.RawMessage) (platform.ThreadReply, bool) {
	var parsed eventPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		log.Debug().Err(err).Msg("unparseable socket mode payload")
		return platform.ThreadReply{}, false
	}
	event := parsed.Event

	switch event.Type {
	case "message":
		if event.BotID != "" || event.Subtype == "bot_message" {
			return platform.ThreadReply{}, false
		}
		// Only threaded replies route to sessions; thread_ts equal to
		// ts would be the root message itself.
		if event.ThreadTS == "" || event.ThreadTS == event.TS {
			return platform.ThreadReply{}, false
		}
		return platform.ThreadReply{
			ThreadHandle:  event.ThreadTS,
			ChannelHandle: event.Channel,
			UserID:        event.User,
			Text:          event.Text,
			Timestamp:     event.TS,
		}, true

	case "reaction_added":
		if event.Item.TS == "" {
			return platform.ThreadReply{}, false
		}
		return platform.ThreadReply{
			ThreadHandle:  event.Item.TS,
			ChannelHandle: event.Item.Channel,
			UserID:        event.User,
			Timestamp:     event.Item.TS,
			Reaction:      event.Reaction,
		}, true
	}

	return platform.ThreadReply{}, false
}
