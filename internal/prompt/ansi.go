// Package prompt recovers multiple-choice option texts from raw terminal
// output. Everything here is a pure transform over captured bytes; no
// sockets or processes are involved.
package prompt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// Matches ANSI escape sequences:
	// - CSI sequences: ESC[ followed by parameters and command
	// - OSC sequences: ESC] followed by text and BEL or ST
	// - Other escape sequences
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[PX^_][^\x1b]*\x1b\\|\x1b[\(\)][AB012]|\x1b[>=]`)

	// Control characters that should be stripped
	controlPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1a\x1c-\x1f\x7f]`)

	// Cursor forward (CSI n C) replaced with spaces to preserve column
	// alignment in the stripped text
	cursorForwardPattern = regexp.MustCompile(`\x1b\[(\d*)C`)
)

// StripANSI removes ANSI escape codes and control characters from text.
// Cursor-forward sequences become runs of spaces so numbered options keep
// their visual layout.
func StripANSI(text string) string {
	text = cursorForwardPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := cursorForwardPattern.FindStringSubmatch(match)
		count := 1
		if len(sub) > 1 && sub[1] != "" {
			if n, err := strconv.Atoi(sub[1]); err == nil && n > 0 {
				// Clamp to avoid pathological allocations
				if n > 200 {
					n = 200
				}
				count = n
			}
		}
		return strings.Repeat(" ", count)
	})
	result := ansiPattern.ReplaceAllString(text, "")
	// Keep newline, carriage return and tab
	result = controlPattern.ReplaceAllString(result, "")
	return result
}
