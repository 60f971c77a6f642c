package engine

import "strings"

// Verdict is the outcome of a self-review.
type Verdict struct {
	Approved bool
	Reason   string // set when rejected
}

// ClassifyVerdict reads a reviewer's output. The review is rejected only when
// the last non-blank line starts with REJECTED, ignoring markdown emphasis;
// the text after the first colon is the reason. Anything else approves.
func ClassifyVerdict(output string) Verdict {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		bare := strings.TrimLeft(line, "*_` ")
		if !strings.HasPrefix(bare, "REJECTED") {
			return Verdict{Approved: true}
		}
		reason := ""
		if _, after, ok := strings.Cut(bare, ":"); ok {
			reason = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(after), "*_`"))
		}
		if reason == "" {
			reason = "no reason given"
		}
		return Verdict{Reason: reason}
	}
	return Verdict{Approved: true}
}
