// Package hooks integrates with the host CLI's hook system. It installs
// the forwarder wiring into Claude's settings.json and implements the
// stop/notification/pretooluse event handlers the forwarder invokes.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// HooksDir is the directory for cbridge hook scripts, under $HOME.
	HooksDir = ".cbridge/hooks"
	// ForwardScriptName is the forwarder script invoked by Claude hooks.
	ForwardScriptName = "forward.sh"
	// Marker identifies cbridge-managed hooks in settings.json.
	Marker = "_cbridge_managed"
	// InstalledMarkerFile indicates hooks have been installed.
	InstalledMarkerFile = ".cbridge/hooks/.installed"
	// backupSuffix is appended to settings.json for the pre-edit backup.
	backupSuffix = ".cbridge-backup"
)

// Manager installs and removes the hook wiring in Claude's settings.
type Manager struct {
	homeDir        string
	binPath        string
	claudeSettings string
}

// NewManager creates a hooks manager. binPath is the cbridge executable
// the forwarder script will invoke; empty means resolve via PATH.
func NewManager(binPath string) *Manager {
	homeDir, _ := os.UserHomeDir()
	if binPath == "" {
		binPath = "cbridge"
	}
	return &Manager{
		homeDir:        homeDir,
		binPath:        binPath,
		claudeSettings: filepath.Join(homeDir, ".claude", "settings.json"),
	}
}

// IsInstalled checks if cbridge hooks are already installed.
func (m *Manager) IsInstalled() bool {
	markerPath := filepath.Join(m.homeDir, InstalledMarkerFile)
	_, err := os.Stat(markerPath)
	return err == nil
}

// Install writes the forwarder script and wires the Stop, Notification
// and PreToolUse events into Claude's settings.json. Installing twice
// is safe; the managed entries are replaced, never duplicated.
func (m *Manager) Install() error {
	log.Info().Msg("Installing cbridge hooks for Claude Code...")

	hooksDir := filepath.Join(m.homeDir, HooksDir)
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	if err := m.createForwardScript(hooksDir); err != nil {
		return fmt.Errorf("failed to create forward script: %w", err)
	}

	if err := m.addHooksToSettings(); err != nil {
		return fmt.Errorf("failed to add hooks to settings: %w", err)
	}

	markerPath := filepath.Join(m.homeDir, InstalledMarkerFile)
	if err := os.WriteFile(markerPath, []byte("installed"), 0644); err != nil {
		log.Warn().Err(err).Msg("failed to create installed marker")
	}

	log.Info().Msg("cbridge hooks installed successfully")
	return nil
}

// Uninstall removes cbridge hooks from Claude Code.
func (m *Manager) Uninstall() error {
	log.Info().Msg("Uninstalling cbridge hooks...")

	if err := m.removeHooksFromSettings(); err != nil {
		log.Warn().Err(err).Msg("failed to remove hooks from settings")
	}

	hooksDir := filepath.Join(m.homeDir, HooksDir)
	if err := os.RemoveAll(hooksDir); err != nil {
		log.Warn().Err(err).Msg("failed to remove hooks directory")
	}

	log.Info().Msg("cbridge hooks uninstalled successfully")
	return nil
}

// createForwardScript writes the fire-and-forget forwarder. All three
// events go through it; it must never block or fail visibly, because a
// hook error would surface inside the user's Claude session.
func (m *Manager) createForwardScript(hooksDir string) error {
	script := fmt.Sprintf(`#!/bin/bash
# cbridge hook forwarder - pipes Claude hook events to the cbridge CLI.
# Always exits 0 so a missing or broken cbridge never blocks Claude.

HOOK_TYPE="$1"
CBRIDGE_BIN=%q

INPUT=$(cat)

if command -v "$CBRIDGE_BIN" > /dev/null 2>&1; then
    echo "$INPUT" | "$CBRIDGE_BIN" hook "$HOOK_TYPE" > /dev/null 2>&1
fi

exit 0
`, m.binPath)

	scriptPath := filepath.Join(hooksDir, ForwardScriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return err
	}

	log.Debug().Str("path", scriptPath).Msg("created forward script")
	return nil
}

// addHooksToSettings merges the cbridge hook entries into settings.json.
// Event wiring:
//   - Stop: assistant finished a turn, mirror the response
//   - Notification: permission and idle prompts
//   - PreToolUse (AskUserQuestion only): structured question options
func (m *Manager) addHooksToSettings() error {
	settings, err := m.readClaudeSettings()
	if err != nil {
		settings = make(map[string]interface{})
	}

	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		hooks = make(map[string]interface{})
	}

	forwardScript := filepath.Join(m.homeDir, HooksDir, ForwardScriptName)

	managed := map[string][]map[string]interface{}{
		"Stop": {{
			"matcher": "*",
			Marker:    true,
			"hooks": []map[string]interface{}{{
				"type":    "command",
				"command": fmt.Sprintf("%s stop", forwardScript),
			}},
		}},
		"Notification": {{
			"matcher": "*",
			Marker:    true,
			"hooks": []map[string]interface{}{{
				"type":    "command",
				"command": fmt.Sprintf("%s notification", forwardScript),
			}},
		}},
		"PreToolUse": {{
			"matcher": "AskUserQuestion",
			Marker:    true,
			"hooks": []map[string]interface{}{{
				"type":    "command",
				"command": fmt.Sprintf("%s pretooluse", forwardScript),
			}},
		}},
	}

	for hookType, entries := range managed {
		existing, ok := hooks[hookType].([]interface{})
		if !ok {
			existing = []interface{}{}
		}

		filtered := m.filterOutManagedHooks(existing)
		for _, h := range entries {
			filtered = append(filtered, h)
		}

		hooks[hookType] = filtered
	}

	settings["hooks"] = hooks

	return m.writeClaudeSettings(settings)
}

// removeHooksFromSettings removes cbridge hooks from settings.json.
// Only entries with the managed marker or a .cbridge/hooks/ command path
// are touched; everything else is preserved.
func (m *Manager) removeHooksFromSettings() error {
	settings, err := m.readClaudeSettings()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read settings: %w", err)
	}

	hooksRaw, exists := settings["hooks"]
	if !exists {
		return nil
	}

	hooks, ok := hooksRaw.(map[string]interface{})
	if !ok {
		log.Warn().Msg("hooks section exists but is not a map, skipping removal")
		return nil
	}

	modified := false

	for hookType, hookList := range hooks {
		list, ok := hookList.([]interface{})
		if !ok {
			continue
		}

		originalLen := len(list)
		filtered := m.filterOutManagedHooks(list)

		if len(filtered) != originalLen {
			modified = true
		}

		if len(filtered) == 0 {
			delete(hooks, hookType)
		} else {
			hooks[hookType] = filtered
		}
	}

	if !modified {
		log.Debug().Msg("no cbridge hooks found to remove")
		return nil
	}

	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		settings["hooks"] = hooks
	}

	return m.writeClaudeSettings(settings)
}

// RestoreBackup restores the backup settings file if it exists.
// Call this if something goes wrong after modification.
func (m *Manager) RestoreBackup() error {
	backupPath := m.claudeSettings + backupSuffix
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file found at %s", backupPath)
	}

	backupData, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	var validation map[string]interface{}
	if err := json.Unmarshal(backupData, &validation); err != nil {
		return fmt.Errorf("backup file contains invalid JSON: %w", err)
	}

	if err := os.WriteFile(m.claudeSettings, backupData, 0644); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	log.Info().Str("backup", backupPath).Msg("restored settings from backup")
	return nil
}

// filterOutManagedHooks removes hooks that carry the cbridge marker.
func (m *Manager) filterOutManagedHooks(hooks []interface{}) []interface{} {
	var filtered []interface{}
	for _, h := range hooks {
		if hookMap, ok := h.(map[string]interface{}); ok {
			if _, isManaged := hookMap[Marker]; !isManaged {
				if !m.isManagedHook(hookMap) {
					filtered = append(filtered, h)
				}
			}
		} else {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// isManagedHook checks if a hook entry points at a cbridge script.
func (m *Manager) isManagedHook(hook map[string]interface{}) bool {
	if hooksList, ok := hook["hooks"].([]interface{}); ok {
		for _, h := range hooksList {
			if hMap, ok := h.(map[string]interface{}); ok {
				if cmd, ok := hMap["command"].(string); ok {
					if strings.Contains(cmd, ".cbridge/hooks/") {
						return true
					}
				}
			}
		}
	}
	return false
}

// readClaudeSettings reads Claude's settings.json.
func (m *Manager) readClaudeSettings() (map[string]interface{}, error) {
	data, err := os.ReadFile(m.claudeSettings)
	if err != nil {
		return nil, err
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// writeClaudeSettings writes settings.json atomically (temp file +
// rename), creating a backup of the previous content first.
func (m *Manager) writeClaudeSettings(settings map[string]interface{}) error {
	claudeDir := filepath.Dir(m.claudeSettings)
	if err := os.MkdirAll(claudeDir, 0755); err != nil {
		return fmt.Errorf("failed to create claude directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	var validation map[string]interface{}
	if err := json.Unmarshal(data, &validation); err != nil {
		return fmt.Errorf("validation failed - generated invalid JSON: %w", err)
	}

	if _, err := os.Stat(m.claudeSettings); err == nil {
		backupPath := m.claudeSettings + backupSuffix
		existingData, err := os.ReadFile(m.claudeSettings)
		if err == nil {
			if err := os.WriteFile(backupPath, existingData, 0644); err != nil {
				log.Warn().Err(err).Str("backup", backupPath).Msg("failed to create backup")
			} else {
				log.Debug().Str("backup", backupPath).Msg("created settings backup")
			}
		}
	}

	tempPath := m.claudeSettings + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, m.claudeSettings); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	log.Debug().Str("path", m.claudeSettings).Msg("updated Claude settings")
	return nil
}

// Status returns a human-readable installation state.
func (m *Manager) Status() string {
	if !m.IsInstalled() {
		return "not installed"
	}

	scriptPath := filepath.Join(m.homeDir, HooksDir, ForwardScriptName)
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		return "partially installed (missing forward script)"
	}

	settings, err := m.readClaudeSettings()
	if err != nil {
		return "partially installed (settings unreadable)"
	}
	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		return "partially installed (no hooks in settings)"
	}
	for _, hookType := range []string{"Stop", "Notification", "PreToolUse"} {
		list, ok := hooks[hookType].([]interface{})
		if !ok {
			return fmt.Sprintf("partially installed (missing %s hook)", hookType)
		}
		found := false
		for _, h := range list {
			if hookMap, ok := h.(map[string]interface{}); ok {
				if _, isManaged := hookMap[Marker]; isManaged || m.isManagedHook(hookMap) {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Sprintf("partially installed (missing %s hook)", hookType)
		}
	}

	return "installed"
}
