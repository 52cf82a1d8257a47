// Package transcript reads the host CLI's session transcript artifacts.
// Transcripts are JSONL files under ~/.claude/projects/<encoded-dir>/;
// this package only ever reads them.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// agentPrefix marks transcripts written by subagent runs rather than the
// interactive session itself.
const agentPrefix = "agent-"

// EncodeProjectDir converts an absolute project path to the flat directory
// name the host CLI uses for its transcript storage: path separators,
// dots and underscores all become dashes.
func EncodeProjectDir(projectDir string) string {
	cleaned := filepath.ToSlash(filepath.Clean(projectDir))
	replacer := strings.NewReplacer("/", "-", "_", "-", ".", "-")
	return replacer.Replace(cleaned)
}

// Dir returns the transcript directory for a project path.
func Dir(projectDir string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".claude", "projects", EncodeProjectDir(projectDir)), nil
}

// LatestSessionID returns the session id of the newest interactive
// transcript in dir, skipping subagent files. Empty string when the
// directory has no candidates yet.
func LatestSessionID(dir string) (string, error) {
	return LatestSessionIDSince(dir, time.Time{})
}

// LatestSessionIDSince is LatestSessionID restricted to transcripts
// modified after since, so a watcher does not mistake an older run's
// transcript for the current session.
func LatestSessionIDSince(dir string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, agentPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = name
			newestMod = mod
		}
	}

	return strings.TrimSuffix(newest, ".jsonl"), nil
}

// Path returns the transcript file path for a session id within dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// message mirrors one transcript line. Content may be a plain string or an
// array of typed blocks.
type message struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// extractText pulls the text content out of a message, joining text blocks.
func (m *message) extractText() string {
	if m.Message.Content == nil {
		return ""
	}

	var contentStr string
	if err := json.Unmarshal(m.Message.Content, &contentStr); err == nil {
		return contentStr
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Message.Content, &blocks); err == nil {
		var texts []string
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	return ""
}

// extractToolUse returns the last tool_use block in the message, nil
// when the content carries none.
func (m *message) extractToolUse() *ToolUse {
	if m.Message.Content == nil {
		return nil
	}

	var blocks []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	}
	if err := json.Unmarshal(m.Message.Content, &blocks); err != nil {
		return nil
	}

	var out *ToolUse
	var texts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			out = &ToolUse{Name: block.Name, Input: block.Input}
		}
	}
	if out != nil {
		out.Text = strings.Join(texts, "\n")
	}
	return out
}

// ToolUse is one tool invocation requested by an assistant message.
type ToolUse struct {
	Name  string
	Input map[string]interface{}
	// Text is the assistant text accompanying the call, if any.
	Text string
}

// LatestToolUse returns the most recent tool invocation in the
// transcript, or nil when no assistant message carries one.
func LatestToolUse(path string) (*ToolUse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var latest *ToolUse
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type != "assistant" {
			continue
		}
		if tu := msg.extractToolUse(); tu != nil {
			latest = tu
		}
	}

	return latest, scanner.Err()
}

// LatestAssistantText returns the text of the last assistant message in
// the transcript, or empty when there is none. Lines that fail to parse
// are skipped; transcripts are append-only and may end mid-write.
func LatestAssistantText(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024) // extended thinking makes huge lines

	var latest string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type != "assistant" {
			continue
		}
		if text := msg.extractText(); text != "" {
			latest = text
		}
	}

	return latest, scanner.Err()
}
