package prompt

import (
	"regexp"
	"strconv"
	"strings"
)

// anchorPhrases mark the start of a permission/choice prompt. The scan
// begins at the first anchor found, or covers the whole buffer when none
// is present.
var anchorPhrases = []string{
	"do you want",
	"would you like",
	"enter your choice",
	"permission required",
	"allow this",
}

// decisionKeywords identify a run of options as a decision prompt rather
// than an ordinary numbered list.
var decisionKeywords = []string{
	"yes",
	"no",
	"allow",
	"deny",
	"approve",
	"reject",
	"proceed",
	"don't",
}

// Canonical texts used to reconstruct options that scrolled out of the
// capture window. These mirror the host CLI's permission prompt copy and
// drift if that copy changes; they are a best-effort guess, not a
// guaranteed contract.
const (
	canonicalOption1 = "Yes"
	canonicalOption2 = "Yes, allow all edits during this session (shift+tab)"
)

// optionLinePattern matches one visible option line: an optional selection
// marker, a number, "." or ")", then the option text.
var optionLinePattern = regexp.MustCompile(`^\s*(?:[❯>]\s*)?(\d{1,2})[.)]\s+(.+?)\s*$`)

type numberedLine struct {
	num  int
	text string
}

// Extract recovers the option texts of an in-progress multiple-choice
// prompt from raw captured terminal output. Returns nil when no numbered
// option run is found. The result is ordered and, when leading options
// scrolled out of the buffer, padded with canonical reconstructions.
func Extract(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}

	text := StripANSI(string(raw))

	// Search from the prompt anchor when one is present; a scrolled
	// buffer may have lost the anchor, so fall back to the whole text.
	lower := strings.ToLower(text)
	start := 0
	for _, phrase := range anchorPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			start = idx
			break
		}
	}

	runs := numberedRuns(text[start:])
	if len(runs) == 0 {
		return nil
	}

	selected := selectRun(runs)
	if selected == nil {
		return nil
	}

	return reconstruct(selected)
}

// numberedRuns collects numbered option lines in order and groups them
// into runs, starting a new run whenever the number sequence breaks.
func numberedRuns(text string) [][]numberedLine {
	var runs [][]numberedLine
	var current []numberedLine

	for _, line := range strings.Split(text, "\n") {
		sub := optionLinePattern.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		num, err := strconv.Atoi(sub[1])
		if err != nil || num == 0 {
			continue
		}
		option := numberedLine{num: num, text: strings.TrimSpace(sub[2])}

		if len(current) > 0 && num != current[len(current)-1].num+1 {
			runs = append(runs, current)
			current = nil
		}
		current = append(current, option)
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}

// selectRun picks the run most likely to be the live prompt: the first
// run of 2-3 options whose text mentions a decision keyword, else the
// first run of 2-3 options at all.
func selectRun(runs [][]numberedLine) []numberedLine {
	var fallback []numberedLine

	for _, run := range runs {
		if len(run) < 2 || len(run) > 3 {
			continue
		}
		if fallback == nil {
			fallback = run
		}
		joined := strings.ToLower(joinTexts(run))
		for _, keyword := range decisionKeywords {
			if strings.Contains(joined, keyword) {
				return run
			}
		}
	}
	return fallback
}

// reconstruct prepends canonical texts for options that scrolled off the
// top of the capture window. Only the first one or two options are ever
// synthesized; a run starting at 4 or later is left alone.
func reconstruct(run []numberedLine) []string {
	options := make([]string, 0, len(run)+2)
	switch run[0].num {
	case 2:
		options = append(options, canonicalOption1)
	case 3:
		options = append(options, canonicalOption1, canonicalOption2)
	}
	for _, line := range run {
		options = append(options, line.text)
	}
	return options
}

func joinTexts(run []numberedLine) string {
	parts := make([]string, len(run))
	for i, line := range run {
		parts[i] = line.text
	}
	return strings.Join(parts, " ")
}
