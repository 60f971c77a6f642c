package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// StatusVerbs rotate on the heartbeat line while the agent works.
var StatusVerbs = []string{
	"Thinking", "Reasoning", "Analyzing", "Contemplating", "Processing",
	"Evaluating", "Investigating", "Exploring", "Synthesizing", "Reflecting",
	"Sauteing", "Catapulting", "Percolating", "Marinating", "Simmering",
	"Fermenting", "Distilling", "Crystallizing", "Composting", "Braising",
}

// FormatToolInput renders a one-line summary of a tool call's input,
// prefixed with " → ". An empty input renders as "".
func FormatToolInput(name string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	str := func(key, fallback string) string {
		if v, ok := input[key].(string); ok {
			return v
		}
		return fallback
	}

	var s string
	switch name {
	case "Read":
		s = str("file_path", "?")
	case "Write":
		s = fmt.Sprintf("%s (%d chars)", str("file_path", "?"), len([]rune(str("content", ""))))
	case "Edit":
		s = fmt.Sprintf("%s (replacing: %q...)", str("file_path", "?"), headRunes(str("old_string", ""), 60))
	case "Bash":
		if desc := str("description", ""); desc != "" {
			s = desc
		} else {
			s = headRunes(str("command", "?"), 200)
		}
	case "Glob":
		s = str("pattern", "?")
	case "Grep":
		s = fmt.Sprintf("/%s/ in %s", str("pattern", "?"), str("path", "."))
	case "Task", "WebSearch", "WebFetch":
		raw, _ := json.Marshal(input)
		s = headRunes(string(raw), 150)
	default:
		keys := make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		s = fmt.Sprintf("%s=%s", keys[0], headRunes(fmt.Sprint(input[keys[0]]), 100))
	}
	return " → " + s
}

// TrimToolOutput returns the lines of a tool's output to display at the
// given verbosity: 3 lines of 120 characters by default, 5 lines of 200 at
// verbosity 1, everything at 2 and above. A trailing "... (N more lines)"
// line reports what was cut.
func TrimToolOutput(output string, verbose int) []string {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil
	}
	lines := strings.Split(output, "\n")
	if verbose >= 2 {
		return lines
	}

	maxLines, maxWidth := 3, 120
	if verbose == 1 {
		maxLines, maxWidth = 5, 200
	}

	shown := make([]string, 0, maxLines+1)
	for _, l := range lines[:min(len(lines), maxLines)] {
		shown = append(shown, headRunes(l, maxWidth))
	}
	if len(lines) > maxLines {
		shown = append(shown, fmt.Sprintf("... (%d more lines)", len(lines)-maxLines))
	}
	return shown
}

// ErrorSummary reduces a tool error to its first line, capped at 200
// characters.
func ErrorSummary(output string) string {
	output = strings.TrimSpace(output)
	if i := strings.IndexByte(output, '\n'); i >= 0 {
		output = output[:i]
	}
	return headRunes(output, 200)
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
