// Package slack implements the chat-platform boundary against the Slack
// Web API and Socket Mode.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/platform"
)

const defaultAPIURL = "https://slack.com/api"

// Message splitting limits. Slack rejects bodies near 40k characters;
// anything longer than five chunks is truncated rather than flooding the
// thread.
const (
	maxMessageLen = 39000
	maxChunks     = 5
)

// Client talks to the Slack Web API with a bot token.
type Client struct {
	http    *resty.Client
	channel string
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the API base URL. Used by tests.
func WithAPIURL(url string) Option {
	return func(c *Client) {
		c.http.SetBaseURL(url)
	}
}

// NewClient creates a Web API client posting into the given channel.
func NewClient(botToken, channel string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(defaultAPIURL).
		SetAuthToken(botToken).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// Rate limits carry a Retry-After in seconds.
			if resp != nil {
				if secs, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && secs > 0 {
					return time.Duration(secs) * time.Second, nil
				}
			}
			return time.Second, nil
		})

	c := &Client{http: httpClient, channel: channel}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the common envelope of Web API replies.
type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	TS      string `json:"ts,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// call posts one Web API method and decodes the envelope.
func (c *Client) call(ctx context.Context, method string, body interface{}) (*apiResponse, error) {
	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/" + method)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("slack %s: HTTP %d", method, resp.StatusCode())
	}
	if !result.OK {
		return &result, fmt.Errorf("slack %s: %s", method, result.Error)
	}
	return &result, nil
}

// CreateThread posts the thread's root message and returns its handles.
func (c *Client) CreateThread(ctx context.Context, info platform.ThreadInfo) (platform.ThreadRef, error) {
	text := fmt.Sprintf(":rocket: *%s* session `%s`", info.Project, info.SessionID)
	if info.Terminal != "" {
		text += fmt.Sprintf("\nTerminal: %s", info.Terminal)
	}
	if info.Branch != "" {
		text += fmt.Sprintf(" | Branch: `%s`", info.Branch)
	}
	if !info.StartedAt.IsZero() {
		text += fmt.Sprintf("\nStarted: %s", info.StartedAt.Format("2006-01-02 15:04:05"))
	}

	result, err := c.call(ctx, "chat.postMessage", map[string]interface{}{
		"channel": c.channel,
		"text":    text,
	})
	if err != nil {
		return platform.ThreadRef{}, err
	}

	ref := platform.ThreadRef{ThreadHandle: result.TS, ChannelHandle: result.Channel}
	log.Info().
		Str("session_id", info.SessionID).
		Str("thread", ref.ThreadHandle).
		Str("channel", ref.ChannelHandle).
		Msg("created chat thread")
	return ref, nil
}

// PostMessage posts text into a thread, splitting oversized messages.
func (c *Client) PostMessage(ctx context.Context, ref platform.ThreadRef, text string) error {
	if ref.IsZero() {
		return fmt.Errorf("cannot post: empty thread ref")
	}

	for _, chunk := range splitMessage(text) {
		_, err := c.call(ctx, "chat.postMessage", map[string]interface{}{
			"channel":   ref.ChannelHandle,
			"thread_ts": ref.ThreadHandle,
			"text":      chunk,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AddReaction adds an emoji reaction to a message. Re-adding the same
// reaction is not an error.
func (c *Client) AddReaction(ctx context.Context, channel, timestamp, name string) error {
	result, err := c.call(ctx, "reactions.add", map[string]interface{}{
		"channel":   channel,
		"timestamp": timestamp,
		"name":      name,
	})
	if err != nil {
		if result != nil && result.Error == "already_reacted" {
			return nil
		}
		return err
	}
	return nil
}

// ThreadRootOf resolves the thread a message belongs to. Reaction events
// only name the reacted message; routing needs the thread root's
// timestamp, which may be the message itself.
func (c *Client) ThreadRootOf(ctx context.Context, channel, timestamp string) (string, error) {
	var result struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error,omitempty"`
		Messages []struct {
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts,omitempty"`
		} `json:"messages"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"channel":   channel,
			"latest":    timestamp,
			"inclusive": "true",
			"limit":     "1",
		}).
		SetResult(&result).
		Get("/conversations.history")
	if err != nil {
		return "", fmt.Errorf("slack conversations.history: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("slack conversations.history: HTTP %d", resp.StatusCode())
	}
	if !result.OK {
		return "", fmt.Errorf("slack conversations.history: %s", result.Error)
	}
	if len(result.Messages) == 0 {
		return timestamp, nil
	}
	if root := result.Messages[0].ThreadTS; root != "" {
		return root, nil
	}
	return timestamp, nil
}

// ArchiveThread closes out a thread with a final status line. Slack has no
// per-thread archive, so the status message serves as the terminator.
func (c *Client) ArchiveThread(ctx context.Context, ref platform.ThreadRef, finalStatus string) error {
	if ref.IsZero() {
		return nil
	}
	return c.PostMessage(ctx, ref, fmt.Sprintf(":checkered_flag: %s", finalStatus))
}

// splitMessage cuts text into at most maxChunks rune-safe pieces of
// maxMessageLen characters. Anything beyond the last chunk is dropped
// with a truncation marker.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 && len(chunks) < maxChunks {
		n := maxMessageLen
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		chunks[len(chunks)-1] += "\n… (truncated)"
	}
	return chunks
}
