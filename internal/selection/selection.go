// Package selection uses quick agent queries to choose repositories, issues
// and branch names, and to vet contributing guidelines. Every choice has a
// deterministic fallback so a failed query never stops the run.
package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/prompt"
)

// DefaultFind is the issue description used when none is given.
const DefaultFind = "easy beginner-friendly good first issue"

const maxBranchName = 100

var branchNamePattern = regexp.MustCompile(`^[\w\-./]+$`)

// nonCodingLabels mark issues that need discussion rather than a patch.
var nonCodingLabels = []string{
	"question", "discussion", "support", "wontfix", "won't fix", "duplicate",
	"invalid", "needs info", "needs-info", "needs more info",
	"waiting for response", "waiting-for-response",
}

// Selector makes choices through quick queries.
type Selector struct {
	Prompter engine.Prompter
	Model    string
}

func (s *Selector) query(ctx context.Context, name, text string, schema map[string]any, v any) error {
	raw, err := s.Prompter.Prompt(ctx, engine.QuickRequest{Name: name, Prompt: text, Schema: schema, Model: s.Model})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding %s answer: %w", name, err)
	}
	return nil
}

// PickRepo returns the candidate that best matches description, or the
// first candidate when the query fails or answers out of range. The boolean
// reports whether the model made the choice. An error is returned only when
// ctx is done.
func (s *Selector) PickRepo(ctx context.Context, repos []github.Repository, description string) (github.Repository, bool, error) {
	var answer struct {
		RepoIndex int `json:"repo_index"`
	}
	if err := s.query(ctx, "pick_repo", prompt.PickRepo(repos, description), prompt.PickRepoSchema, &answer); err != nil {
		if ctx.Err() != nil {
			return github.Repository{}, false, ctx.Err()
		}
		clog.FromContext(ctx).Warnf("repository pick failed, using the first candidate: %v", err)
		return repos[0], false, nil
	}
	if i := answer.RepoIndex - 1; i >= 0 && i < len(repos) {
		return repos[i], true, nil
	}
	clog.FromContext(ctx).Warnf("repository pick %d out of range, using the first candidate", answer.RepoIndex)
	return repos[0], false, nil
}

// PickIssue returns the issue that best matches description, or the first
// issue when the query fails or names an issue not in the list. Like
// PickRepo, it fails only when ctx is done.
func (s *Selector) PickIssue(ctx context.Context, issues []github.Issue, description string) (github.Issue, bool, error) {
	var answer struct {
		IssueNumber int `json:"issue_number"`
	}
	if err := s.query(ctx, "pick_issue", prompt.PickIssue(issues, description), prompt.PickIssueSchema, &answer); err != nil {
		if ctx.Err() != nil {
			return github.Issue{}, false, ctx.Err()
		}
		clog.FromContext(ctx).Warnf("issue pick failed, using the first issue: %v", err)
		return issues[0], false, nil
	}
	for _, issue := range issues {
		if issue.Number == answer.IssueNumber {
			return issue, true, nil
		}
	}
	clog.FromContext(ctx).Warnf("issue pick #%d is not a candidate, using the first issue", answer.IssueNumber)
	return issues[0], false, nil
}

// FallbackBranch is the branch name used when no valid suggestion exists.
func FallbackBranch(issue github.Issue) string {
	return fmt.Sprintf("fix/issue-%d", issue.Number)
}

// ValidBranchName reports whether name is acceptable as a suggested branch.
func ValidBranchName(name string) bool {
	return name != "" && len(name) <= maxBranchName && branchNamePattern.MatchString(name)
}

// Compliance is the answer to whether the workflow can follow the
// project's contributing guidelines.
type Compliance struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Proceed reports whether work may continue.
func (c Compliance) Proceed() bool {
	return c.Decision != "ABORT"
}

// PreWork is the combined result of the branch-name and compliance queries.
type PreWork struct {
	Branch     string
	Compliance Compliance
}

// PreWork suggests a branch name and checks guideline compliance
// concurrently. Without guidelines it returns the defaults at once. If
// either query fails, both fall back to the defaults and the error is
// returned alongside them. When ctx is done the result is empty and the
// error is ctx.Err(); no default stands in for an unanswered check.
func (s *Selector) PreWork(ctx context.Context, issue github.Issue, guidelines string) (PreWork, error) {
	defaults := PreWork{Branch: FallbackBranch(issue), Compliance: Compliance{Decision: "PROCEED"}}
	if guidelines == "" {
		return defaults, nil
	}

	var branch struct {
		BranchName string `json:"branch_name"`
	}
	var compliance Compliance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.query(gctx, "branch_name", prompt.BranchName(issue, guidelines), prompt.BranchNameSchema, &branch)
	})
	g.Go(func() error {
		return s.query(gctx, "compliance", prompt.Compliance(guidelines), prompt.ComplianceSchema, &compliance)
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return PreWork{}, ctx.Err()
		}
		clog.FromContext(ctx).Warnf("pre-work queries failed, using defaults: %v", err)
		return defaults, err
	}

	result := defaults
	if name := strings.TrimSpace(branch.BranchName); ValidBranchName(name) {
		result.Branch = name
	}
	if compliance.Decision != "" {
		result.Compliance = compliance
	}
	return result, nil
}

// HasNonCodingLabel reports whether any of labels marks a discussion,
// support request or otherwise non-actionable issue.
func HasNonCodingLabel(labels []string) bool {
	return slices.ContainsFunc(labels, func(l string) bool {
		return slices.Contains(nonCodingLabels, strings.ToLower(l))
	})
}

// FilterCodable drops issues carrying a non-coding label.
func FilterCodable(issues []github.Issue) []github.Issue {
	var out []github.Issue
	for _, issue := range issues {
		if !HasNonCodingLabel(issue.Labels) {
			out = append(out, issue)
		}
	}
	return out
}
