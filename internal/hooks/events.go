package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbridge/cbridge/internal/config"
	"github.com/cbridge/cbridge/internal/platform"
	"github.com/cbridge/cbridge/internal/prompt"
	"github.com/cbridge/cbridge/internal/protocol"
	"github.com/cbridge/cbridge/internal/registry"
	"github.com/cbridge/cbridge/internal/store"
	"github.com/cbridge/cbridge/internal/transcript"
)

// Wrapper-assigned ids are 8 hex chars; host-assigned ids are full
// UUIDs. Self-heal probes the first 8 chars of a long id to find the
// wrapper sibling.
const shortIDLen = 8

// fallbackOptions is the canned reply menu used when the live prompt
// could not be recovered from the capture buffer.
var fallbackOptions = []string{
	"Approve this time",
	"Approve commands like this for this project",
	"Deny, tell Claude what to do instead",
}

// StopEvent is the payload Claude delivers when a turn completes.
type StopEvent struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	ProjectDir     string `json:"project_dir,omitempty"`
}

// NotificationEvent is the payload for permission and idle prompts.
type NotificationEvent struct {
	SessionID        string `json:"session_id"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
}

// PreToolUseEvent is the payload delivered before a tool runs. Only
// AskUserQuestion is interesting; its options never reach the
// Notification hook.
type PreToolUseEvent struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
}

// Handler implements the hook entry points. Handlers report errors for
// logging but callers must still exit 0; a hook failure must never
// block the host session.
type Handler struct {
	client   *registry.Client
	platform platform.Platform

	bufferRetries  int
	bufferDelay    time.Duration
	transcriptWait time.Duration
	transcriptPoll time.Duration
}

// NewHandler creates a hook handler over the registry client and chat
// platform.
func NewHandler(client *registry.Client, p platform.Platform) *Handler {
	return &Handler{
		client:   client,
		platform: p,

		// The pty loop and transcript writer race the hook; these waits
		// bound how long we give them to catch up.
		bufferRetries:  10,
		bufferDelay:    200 * time.Millisecond,
		transcriptWait: 2500 * time.Millisecond,
		transcriptPoll: 100 * time.Millisecond,
	}
}

// Dispatch decodes one event payload from r and runs the matching
// handler.
func (h *Handler) Dispatch(ctx context.Context, kind string, r io.Reader) error {
	dec := json.NewDecoder(r)
	switch kind {
	case "stop":
		var ev StopEvent
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("bad stop payload: %w", err)
		}
		return h.Stop(ctx, ev)
	case "notification":
		var ev NotificationEvent
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("bad notification payload: %w", err)
		}
		return h.Notification(ctx, ev)
	case "pretooluse":
		var ev PreToolUseEvent
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("bad pretooluse payload: %w", err)
		}
		return h.PreToolUse(ctx, ev)
	default:
		return fmt.Errorf("unknown hook type: %s", kind)
	}
}

// Stop mirrors the assistant's latest response into the session thread.
func (h *Handler) Stop(ctx context.Context, ev StopEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}
	path := ev.TranscriptPath
	if path == "" {
		path = os.Getenv("CLAUDE_TRANSCRIPT_PATH")
	}
	if path == "" {
		return fmt.Errorf("no transcript path for session %s", ev.SessionID)
	}

	text := h.readAssistantText(path)
	if text == "" {
		log.Info().Str("session_id", ev.SessionID).Msg("no assistant text to mirror (tool-only turn)")
		return nil
	}

	rec, err := h.resolveThread(ev.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !rec.MirroringEnabled {
		log.Info().Str("session_id", ev.SessionID).Msg("mirroring disabled, skipping post")
		return nil
	}

	return h.platform.PostMessage(ctx, threadRef(rec), text)
}

// Notification posts a prompt notification, enriched with the exact
// option texts when they can be recovered.
func (h *Handler) Notification(ctx context.Context, ev NotificationEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}
	if ev.Message == "" {
		log.Info().Str("session_id", ev.SessionID).Msg("empty notification, nothing to post")
		return nil
	}

	rec, err := h.resolveThread(ev.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !rec.MirroringEnabled {
		log.Info().Str("session_id", ev.SessionID).Msg("mirroring disabled, skipping post")
		return nil
	}

	return h.platform.PostMessage(ctx, threadRef(rec), h.enhanceNotification(ev))
}

// PreToolUse forwards AskUserQuestion calls as a numbered menu. Other
// tools are ignored.
func (h *Handler) PreToolUse(ctx context.Context, ev PreToolUseEvent) error {
	if ev.ToolName != "AskUserQuestion" {
		return nil
	}
	if ev.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}

	rec, err := h.resolveThread(ev.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !rec.MirroringEnabled {
		log.Info().Str("session_id", ev.SessionID).Msg("mirroring disabled, skipping post")
		return nil
	}

	return h.platform.PostMessage(ctx, threadRef(rec), formatQuestions(ev.ToolInput))
}

// resolveThread returns the record for id with thread handles present,
// self-healing from the sibling wrapper record when needed. A nil record
// with nil error means there is nothing to post to.
func (h *Handler) resolveThread(id string) (*store.Record, error) {
	rec, err := h.client.Get(id)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.HasThread() {
		return rec, nil
	}

	// A long id without handles (or without any record) may still have a
	// wrapper sibling registered under the truncated id.
	if len(id) <= shortIDLen {
		log.Warn().Str("session_id", id).Msg("session has no thread handles")
		return nil, nil
	}
	sibling, err := h.client.Get(id[:shortIDLen])
	if err != nil {
		return nil, err
	}
	if sibling == nil || !sibling.HasThread() {
		log.Warn().Str("session_id", id).Msg("no sibling record with thread handles, cannot self-heal")
		return nil, nil
	}

	healed, err := h.client.RegisterExisting(protocol.RegisterExistingData{
		SessionID:     id,
		ThreadHandle:  sibling.ThreadHandle,
		ChannelHandle: sibling.ChannelHandle,
		Project:       sibling.Project,
		Terminal:      sibling.Terminal,
		SocketPath:    sibling.SocketPath,
		ProjectDir:    sibling.ProjectDir,
		WrapperPID:    sibling.WrapperPID,
	})
	if err != nil {
		return nil, fmt.Errorf("self-heal failed: %w", err)
	}
	log.Info().
		Str("session_id", id).
		Str("sibling", sibling.SessionID).
		Msg("self-healed thread handles from wrapper record")
	return healed, nil
}

// readAssistantText loads the latest assistant text, retrying briefly
// because the transcript may not be flushed when the hook fires.
func (h *Handler) readAssistantText(path string) string {
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		text, err := transcript.LatestAssistantText(path)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

// enhanceNotification formats the notification by type.
func (h *Handler) enhanceNotification(ev NotificationEvent) string {
	switch ev.NotificationType {
	case "permission_prompt":
		return h.permissionMessage(ev)
	case "idle_prompt":
		if ev.TranscriptPath != "" {
			if text, err := transcript.LatestAssistantText(ev.TranscriptPath); err == nil {
				if s := snippet(text, 300); s != "" {
					return fmt.Sprintf(":alarm_clock: *%s*\n\n_Last message: %s..._", ev.Message, s)
				}
			}
		}
		return fmt.Sprintf(":alarm_clock: %s", ev.Message)
	case "auth_success":
		return fmt.Sprintf(":white_check_mark: %s", ev.Message)
	case "elicitation_dialog":
		return fmt.Sprintf(":question: %s", ev.Message)
	default:
		return fmt.Sprintf(":bell: %s", ev.Message)
	}
}

// permissionMessage builds the permission prompt post: tool details from
// the transcript when available, and the live option texts recovered
// from the capture buffer, falling back to the canned menu.
func (h *Handler) permissionMessage(ev NotificationEvent) string {
	options := h.extractOptions(ev.SessionID)

	var b strings.Builder
	tu := h.latestToolUse(ev.TranscriptPath)
	if tu != nil {
		fmt.Fprintf(&b, ":warning: *Permission Required: %s*\n\n", tu.Name)
		switch tu.Name {
		case "Bash":
			if cmd, ok := tu.Input["command"].(string); ok && cmd != "" {
				fmt.Fprintf(&b, "*Command:* `%s`\n", cmd)
			}
			if desc, ok := tu.Input["description"].(string); ok && desc != "" {
				fmt.Fprintf(&b, "*Purpose:* %s\n", desc)
			}
		case "Write", "Edit":
			if fp, ok := tu.Input["file_path"].(string); ok && fp != "" {
				fmt.Fprintf(&b, "*File:* `%s`\n", fp)
			}
		}
		if s := snippet(tu.Text, 200); s != "" {
			fmt.Fprintf(&b, "\n_Context: %s..._\n", s)
		}
	} else {
		fmt.Fprintf(&b, ":warning: %s\n", ev.Message)
	}

	b.WriteString("\n*Reply with:*\n")
	if options == nil {
		options = fallbackOptions
	}
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	return b.String()
}

// extractOptions recovers the live prompt's option texts from the
// capture mirror. The pty loop may still be flushing when the hook
// fires, so empty reads are retried briefly. The file is truncated after
// a successful extraction so the next prompt starts clean.
func (h *Handler) extractOptions(sessionID string) []string {
	path := config.CaptureFilePath(sessionID)
	for attempt := 0; attempt < h.bufferRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(h.bufferDelay)
		}
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			continue
		}
		if options := prompt.Extract(data); options != nil {
			if err := os.Truncate(path, 0); err != nil {
				log.Debug().Err(err).Msg("could not clear capture file")
			}
			return options
		}
	}
	return nil
}

// latestToolUse polls the transcript for the pending tool call within a
// bounded wait.
func (h *Handler) latestToolUse(path string) *transcript.ToolUse {
	if path == "" {
		return nil
	}
	deadline := time.Now().Add(h.transcriptWait)
	for {
		tu, err := transcript.LatestToolUse(path)
		if err == nil && tu != nil {
			return tu
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(h.transcriptPoll)
	}
}

// askQuestions mirrors the AskUserQuestion tool input.
type askQuestions struct {
	Questions []struct {
		Question    string `json:"question"`
		Header      string `json:"header"`
		MultiSelect bool   `json:"multiSelect"`
		Options     []struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		} `json:"options"`
	} `json:"questions"`
}

// formatQuestions renders AskUserQuestion input as a numbered menu.
func formatQuestions(input json.RawMessage) string {
	var parsed askQuestions
	if len(input) > 0 {
		_ = json.Unmarshal(input, &parsed)
	}
	if len(parsed.Questions) == 0 {
		return ":question: Claude has a question (no details available)"
	}

	var b strings.Builder
	b.WriteString(":question: *Claude needs your input:*\n\n")
	for qi, q := range parsed.Questions {
		if len(parsed.Questions) > 1 {
			fmt.Fprintf(&b, "*Question %d/%d: %s*\n\n", qi+1, len(parsed.Questions), q.Question)
		} else {
			fmt.Fprintf(&b, "*%s*\n\n", q.Question)
		}
		if q.MultiSelect {
			b.WriteString("_(Multiple selections allowed)_\n\n")
		}
		for oi, opt := range q.Options {
			fmt.Fprintf(&b, "%d. *%s*\n", oi+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&b, "   _%s_\n", opt.Description)
			}
			b.WriteString("\n")
		}
		if qi < len(parsed.Questions)-1 {
			b.WriteString("---\n\n")
		}
	}
	b.WriteString("_Reply with the number(s) of your choice._")
	return b.String()
}

func threadRef(rec *store.Record) platform.ThreadRef {
	return platform.ThreadRef{ThreadHandle: rec.ThreadHandle, ChannelHandle: rec.ChannelHandle}
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) > max {
		return strings.TrimSpace(string(runes[:max]))
	}
	return text
}
