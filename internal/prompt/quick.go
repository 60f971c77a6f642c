package prompt

import (
	"fmt"
	"strings"

	"github.com/klauskode/klaus-kode/internal/github"
)

// MaxPRDiff caps the diff sent to the PR description query.
const MaxPRDiff = 20000

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Quick-query schemas.
var (
	PickIssueSchema = objectSchema(map[string]any{
		"issue_number": map[string]any{"type": "integer"},
	}, "issue_number")

	PickRepoSchema = objectSchema(map[string]any{
		"repo_index": map[string]any{"type": "integer"},
	}, "repo_index")

	BranchNameSchema = objectSchema(map[string]any{
		"branch_name": map[string]any{"type": "string"},
	}, "branch_name")

	ComplianceSchema = objectSchema(map[string]any{
		"decision": map[string]any{"type": "string", "enum": []string{"PROCEED", "ABORT"}},
		"reason":   map[string]any{"type": "string"},
	}, "decision", "reason")

	PRDescriptionSchema = objectSchema(map[string]any{
		"title": map[string]any{"type": "string"},
		"body":  map[string]any{"type": "string"},
	}, "title", "body")
)

// PickIssue asks for the issue that best matches description.
func PickIssue(issues []github.Issue, description string) string {
	lines := make([]string, 0, len(issues))
	for _, issue := range issues {
		var labels string
		if len(issue.Labels) > 0 {
			labels = " [" + strings.Join(issue.Labels, ", ") + "]"
		}
		preview := strings.TrimSpace(strings.ReplaceAll(headRunes(issue.Body, 200), "\n", " "))
		if preview != "" {
			preview = " - " + preview
		}
		lines = append(lines, fmt.Sprintf("%d. %s%s%s", issue.Number, issue.Title, labels, preview))
	}

	return fmt.Sprintf(`Given these open GitHub issues:

%s

Pick the ONE issue that best matches this user request: '%s'.
The request might be a difficulty level (easy/medium/hard), a topic description, or a specific technical detail.
Consider: how well it matches the request, whether it's self-contained, and whether it has a clear fix.
Return JSON with a single key 'issue_number' set to the issue number.`, strings.Join(lines, "\n"), description)
}

// PickRepo asks for the 1-based index of the repository that best matches
// description.
func PickRepo(repos []github.Repository, description string) string {
	lines := make([]string, 0, len(repos))
	for i, r := range repos {
		var topics string
		if len(r.Topics) > 0 {
			topics = " [" + strings.Join(r.Topics, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%s, %d★, %d open issues)%s - %s",
			i+1, r.FullName, r.Language, r.Stars, r.OpenIssues, topics, r.Description))
	}

	return fmt.Sprintf(`Given these GitHub repositories:

%s

Pick the ONE repository that best matches this user request: '%s'.
Consider: relevance to the request, number of open issues, whether it's beginner-friendly, and project activity.
Return JSON with a single key 'repo_index' set to the 1-based index.`, strings.Join(lines, "\n"), description)
}

// BranchName asks for a branch name that follows the guidelines.
func BranchName(issue github.Issue, guidelines string) string {
	return fmt.Sprintf("Given these contributing guidelines, what branch name should I use for issue #%d titled '%s'? "+
		"Return JSON with a single key 'branch_name'.\n\n%s", issue.Number, issue.Title, guidelines)
}

// Compliance asks whether an automated fork-and-PR workflow can follow the
// guidelines.
func Compliance(guidelines string) string {
	return fmt.Sprintf(`You are an automated tool (klaus-kode) that works on GitHub issues by:
- Cloning a repo into an isolated workspace
- Making code changes on a branch
- Running available linters/formatters
- Running existing tests
- Submitting a PR from a fork

Here are the contributing guidelines for this project:
%s

Can this automated workflow comply with these guidelines? Check for:
- Do they require a CLA signature we cannot provide?
- Do they require discussion/approval BEFORE submitting a PR?
- Do they explicitly ban automated/bot PRs?
- Do they require steps we cannot perform (e.g. manual QA, specific hardware)?

Return JSON with 'decision' (either "PROCEED" or "ABORT") and 'reason' (short explanation).`, guidelines)
}

// PRDescription asks for a pull request title and body for diff.
func PRDescription(issue github.Issue, diff string) string {
	if len(diff) > MaxPRDiff {
		diff = diff[:MaxPRDiff]
	}
	return fmt.Sprintf("Write a GitHub PR title and body for the changes shown below. "+
		"The PR addresses issue #%d: %s.\n\n```diff\n%s\n```\n\n"+
		"Return JSON with 'title' (string) and 'body' (markdown string).", issue.Number, issue.Title, diff)
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
