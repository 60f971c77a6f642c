// Package prompt builds the system prompts, task prompts and quick-query
// prompts sent to the agent.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/klauskode/klaus-kode/internal/github"
)

//go:embed worker.md
var workerSystem string

//go:embed reviewer.md
var reviewerSystem string

// Tool permissions per agent step.
var (
	WorkTools       = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}
	ReviewTools     = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"}
	DisallowedTools = []string{"TodoWrite", "Task", "WebSearch", "WebFetch"}
)

// Turn limits per agent step.
const (
	WorkMaxTurns   = 25
	ReviewMaxTurns = 15
)

// WorkerSystem returns the system prompt for the step that writes the fix.
func WorkerSystem(workDir string) string {
	return strings.ReplaceAll(workerSystem, "{{WORKDIR}}", workDir)
}

// ReviewerSystem returns the system prompt for the self-review step.
func ReviewerSystem(workDir string) string {
	return strings.ReplaceAll(reviewerSystem, "{{WORKDIR}}", workDir)
}

// Work builds the task prompt for fixing issue in repo.
func Work(issue github.Issue, repo, guidelines, repoContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix issue #%d in %s.\n\n", issue.Number, repo)
	fmt.Fprintf(&b, "**Title:** %s\n**Body:**\n%s\n", issue.Title, issue.Body)
	if guidelines != "" {
		fmt.Fprintf(&b, "\n**Contributing guidelines:**\n%s\n", guidelines)
	}
	if repoContext != "" {
		fmt.Fprintf(&b, "\n**Repository context (pre-fetched, do NOT re-explore):**\n%s\n", repoContext)
	}
	return b.String()
}

// Review builds the self-review prompt. Without a diff the agent is told
// how to produce one.
func Review(defaultBranch, diff string) string {
	var b strings.Builder
	b.WriteString("Review the changes made to fix the issue.\n\n")
	if diff != "" {
		fmt.Fprintf(&b, "Here is the complete diff:\n```\n%s\n```\n\n", diff)
	} else {
		fmt.Fprintf(&b, "Run `git diff upstream/%s` to see the changes against the base branch.\n\n", defaultBranch)
	}
	b.WriteString(`Check for:
- Correctness: Does the implementation actually address the issue?
- Test coverage: Are there tests for the new behavior?
- Code style: Is it consistent with the rest of the codebase?
- Security: No secrets, no injection vulnerabilities.
- Scope: No unrelated changes or unnecessary refactoring.

If you find issues, fix them now using minimal tool calls.
Do NOT re-read files that are shown in the diff.

After your review, output exactly one of:
- APPROVED, if the changes are ready for a PR.
- REJECTED: <reason>, if the changes have unfixable problems.`)
	return b.String()
}

// AgentNotes is the content of the notes file placed in the working copy
// while the agent works.
func AgentNotes(issue github.Issue, workDir, branch, guidelines string) string {
	if guidelines == "" {
		guidelines = "No contributing guidelines found."
	}
	return fmt.Sprintf(`# Project Context (written by klaus-kode)

## Current Task
Working on issue #%d: %s

## Environment
- Working directory: %s
- Python: use `+"`python3`"+` (not `+"`python`"+`)
- Branch: %s (do NOT switch branches)
- Do NOT push. That happens automatically.

## Contributing Guidelines
%s
`, issue.Number, issue.Title, workDir, branch, guidelines)
}
