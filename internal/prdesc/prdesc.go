// Package prdesc writes the pull request title and body and builds the
// compare link that opens a prefilled pull request.
package prdesc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/prompt"
)

// MaxURLLength is the longest compare URL that still carries the body.
const MaxURLLength = 8000

// Footer is appended to every saved description.
const Footer = "\n\n---\n" +
	"This PR was automatically created by [Klaus Kode](https://github.com/nikste/klaus_kode), " +
	"an automated tool for solving open-source issues.\n\n" +
	"Complaints, praise, or opt-out requests: klauskode@protonmail.com"

// Description is a pull request title and markdown body.
type Description struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Template is the description used when no generated one is available.
func Template(issue github.Issue) Description {
	return Description{
		Title: fmt.Sprintf("Fix #%d: %s", issue.Number, issue.Title),
		Body: fmt.Sprintf(`## Summary

Automated fix for #%d: %s

Fixes #%d

## What does this PR do?

This PR addresses issue #%d by implementing the fix described in the issue.
`, issue.Number, issue.Title, issue.Number, issue.Number),
	}
}

// Generate asks for a description of diff. Any failure, or an empty title,
// yields Template. The boolean reports whether the answer was generated.
func Generate(ctx context.Context, p engine.Prompter, model string, issue github.Issue, diff string) (Description, bool) {
	raw, err := p.Prompt(ctx, engine.QuickRequest{
		Name:   "pr_description",
		Prompt: prompt.PRDescription(issue, diff),
		Schema: prompt.PRDescriptionSchema,
		Model:  model,
	})
	if err != nil {
		clog.FromContext(ctx).Warnf("generating PR description failed, using template: %v", err)
		return Template(issue), false
	}

	var d Description
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		clog.FromContext(ctx).Warnf("decoding PR description failed, using template: %v", err)
		return Template(issue), false
	}
	d.Title = strings.TrimSpace(d.Title)
	d.Body = strings.TrimSpace(d.Body)
	if d.Title == "" {
		return Template(issue), false
	}
	return d, true
}

// WithFooter returns body with the attribution footer appended.
func WithFooter(body string) string {
	return body + Footer
}

// Save writes body to path, creating parent directories.
func Save(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return fmt.Errorf("writing PR description: %w", err)
	}
	return nil
}

// CompareURL builds the link that opens a pull request from forkOwner:branch
// into repo's base branch, prefilled with d. When the URL would exceed
// MaxURLLength the body is dropped and truncated is true.
func CompareURL(repo, base, forkOwner, branch string, d Description) (link string, truncated bool) {
	build := func(withBody bool) string {
		params := []string{"quick_pull=1", "title=" + escape(d.Title)}
		if withBody {
			params = append(params, "body="+escape(d.Body))
		}
		return fmt.Sprintf("https://github.com/%s/compare/%s...%s:%s?%s", repo, base, forkOwner, branch, strings.Join(params, "&"))
	}

	link = build(true)
	if len(link) > MaxURLLength {
		return build(false), true
	}
	return link, false
}

// escape percent-encodes s for a query value, spaces included as %20.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ForkOwner returns the owner part of an owner/name fork.
func ForkOwner(fork string) string {
	owner, _, _ := strings.Cut(fork, "/")
	return owner
}
