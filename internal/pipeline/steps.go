package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/git"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/prdesc"
	"github.com/klauskode/klaus-kode/internal/prompt"
	"github.com/klauskode/klaus-kode/internal/selection"
)

const (
	repoSearchLimit = 10
	issueListLimit  = 30
	maxReviewDiff   = 50000
)

func (p *Pipeline) standardSteps() []Step {
	return []Step{
		{
			Name: StepCheckPrerequisites,
			Run:  p.checkPrerequisites,
			Outputs: func(pc *Context) any {
				return map[string]any{"login": pc.Login}
			},
			Restore: restoreInto(StepCheckPrerequisites, func(pc *Context, out *stepOutputs) {
				pc.Login = out.Login
			}),
		},
		{
			Name: StepFindRepo,
			Run:  p.findRepo,
			Outputs: func(pc *Context) any {
				return map[string]any{"repo": pc.Repo, "candidates": pc.Candidates}
			},
			Restore: restoreInto(StepFindRepo, func(pc *Context, out *stepOutputs) {
				pc.Repo = cmp.Or(out.Repo, pc.Repo)
				pc.Candidates = out.Candidates
			}, requireRepo),
		},
		{
			Name: StepFindIssue,
			Run:  p.findIssue,
			Outputs: func(pc *Context) any {
				return map[string]any{"repo": pc.Repo, "issue": pc.Issue}
			},
			Restore: restoreInto(StepFindIssue, func(pc *Context, out *stepOutputs) {
				pc.Repo = cmp.Or(out.Repo, pc.Repo)
				pc.Issue = out.Issue
			}, requireRepo, requireIssue),
		},
		{
			Name: StepForkAndClone,
			Run:  p.forkAndClone,
			Outputs: func(pc *Context) any {
				return map[string]any{"fork": pc.Fork, "default_branch": pc.DefaultBranch}
			},
			Restore: restoreInto(StepForkAndClone, func(pc *Context, out *stepOutputs) {
				pc.Fork = out.Fork
				pc.DefaultBranch = out.DefaultBranch
			}, requireDefaultBranch),
		},
		{
			Name: StepPrepareBranch,
			Run:  p.prepareBranch,
			Outputs: func(pc *Context) any {
				return map[string]any{"branch": pc.Branch, "guidelines": pc.Guidelines}
			},
			Restore: restoreInto(StepPrepareBranch, func(pc *Context, out *stepOutputs) {
				pc.Branch = out.Branch
				pc.Guidelines = out.Guidelines
			}, requireBranch),
		},
		{
			Name: StepWork,
			Run:  p.work,
			Outputs: func(pc *Context) any {
				return map[string]any{"tool_calls": pc.ToolCalls, "errors": pc.ToolErrors}
			},
			Restore: restoreInto(StepWork, func(pc *Context, out *stepOutputs) {
				pc.ToolCalls = out.ToolCalls
				pc.ToolErrors = out.Errors
			}),
		},
		{
			Name: StepReviewAndPublish,
			Run:  p.reviewAndPublish,
			Outputs: func(pc *Context) any {
				return map[string]any{"compare_url": pc.CompareURL}
			},
		},
	}
}

// stepOutputs is the union of every step's checkpointed keys.
type stepOutputs struct {
	Login         string              `json:"login"`
	Repo          string              `json:"repo"`
	Candidates    []github.Repository `json:"candidates"`
	Issue         *github.Issue       `json:"issue"`
	Fork          string              `json:"fork"`
	DefaultBranch string              `json:"default_branch"`
	Branch        string              `json:"branch"`
	Guidelines    string              `json:"guidelines"`
	ToolCalls     int                 `json:"tool_calls"`
	Errors        int                 `json:"errors"`
}

// restoreInto applies a step's checkpointed outputs to the context, then
// runs the checks. A failed check aborts: later steps cannot run without
// the value and the session cannot supply it.
func restoreInto(step string, apply func(*Context, *stepOutputs), checks ...func(*Context) error) func(context.Context, *Context) error {
	return func(_ context.Context, pc *Context) error {
		var out stepOutputs
		ok, err := pc.Session.Output(step, &out)
		if err != nil {
			return err
		}
		if ok {
			apply(pc, &out)
		}
		for _, check := range checks {
			if err := check(pc); err != nil {
				return err
			}
		}
		return nil
	}
}

// require checks that a restored value is present.
func require(what string, present func(*Context) bool) func(*Context) error {
	return func(pc *Context) error {
		if !present(pc) {
			return Abort("The saved session has no %s. Rerun with --fresh.", what)
		}
		return nil
	}
}

var (
	requireRepo          = require("repository", func(pc *Context) bool { return pc.Repo != "" })
	requireIssue         = require("issue", func(pc *Context) bool { return pc.Issue != nil })
	requireDefaultBranch = require("default branch", func(pc *Context) bool { return pc.DefaultBranch != "" })
	requireBranch        = require("branch", func(pc *Context) bool { return pc.Branch != "" })
)

// workingCopy returns the clone, opening it when an earlier run created it.
// A resumed run must find the clone on the branch the session recorded.
func (p *Pipeline) workingCopy(pc *Context) (*git.Repo, error) {
	if pc.repo != nil {
		return pc.repo, nil
	}
	dir := p.cfg.RepoPath()
	if !git.Exists(dir) {
		return nil, Abort("The working copy %s is missing. Rerun with --fresh.", dir)
	}
	repo, err := git.Open(dir, p.gitOptions(pc))
	if err != nil {
		return nil, err
	}
	if pc.Branch != "" {
		current, err := repo.CurrentBranch()
		if err != nil {
			return nil, err
		}
		if current != pc.Branch {
			return nil, Abort("The working copy is on %s, not %s. Check out %s or rerun with --fresh.", current, pc.Branch, pc.Branch)
		}
	}
	pc.repo = repo
	return repo, nil
}

func (p *Pipeline) gitOptions(pc *Context) git.Options {
	return git.Options{
		Token:    p.cfg.Env.Token(),
		Depth:    p.cfg.CloneDepth,
		Identity: git.Identity{Name: p.cfg.GitUser, Email: p.cfg.GitEmail},
		Log:      pc.Log,
	}
}

func (p *Pipeline) checkPrerequisites(ctx context.Context, pc *Context) (*Context, error) {
	pc.Display.ShowStepHeader("Step: Checking prerequisites")

	if p.cfg.Env.Token() == "" {
		return nil, Abort("GH_TOKEN is not set. Create a token with repo scope and export GH_TOKEN.")
	}
	login, err := p.gh.CheckAuth(ctx)
	if err != nil {
		return nil, Abort("GitHub authentication failed: %v", err)
	}
	pc.Login = login
	pc.Display.ShowInfo("  GitHub: authenticated as %s\n", login)

	if pc.Verbose >= 1 {
		scopes := p.gh.TokenScopes(ctx)
		pc.Display.ShowInfo("  Token: read=%v fork=%v pull_requests=%v\n", scopes.CanReadRepos, scopes.CanFork, scopes.CanCreatePRs)
		if !scopes.CanFork {
			pc.Display.ShowWarning("token may lack permission to fork repositories")
		}
	}

	auth := p.cfg.Env.AgentAuth()
	if auth == "" {
		return nil, Abort("No agent credentials. Set CLAUDE_CODE_OAUTH_TOKEN or ANTHROPIC_API_KEY.")
	}
	pc.Display.ShowInfo("  Agent: authenticating with %s\n", auth)
	pc.Log.Decision("prerequisites_ok", "credentials present", map[string]any{"login": login, "agent_auth": auth})
	return pc, nil
}

func (p *Pipeline) findRepo(ctx context.Context, pc *Context) (*Context, error) {
	if pc.FindRepo == "" {
		repo, err := p.gh.ValidateRepo(ctx, pc.Repo)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", pc.Repo, err)
		}
		if repo == nil {
			return nil, Abort("Repository %s not found or not accessible.", pc.Repo)
		}
		pc.Log.SetContext(map[string]any{"repo": pc.Repo})
		return pc, nil
	}

	pc.Display.ShowStepHeader("Step: Finding a repository")
	repos, err := p.gh.SearchRepos(ctx, pc.FindRepo, repoSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching repositories: %w", err)
	}
	if len(repos) == 0 {
		return nil, Abort("No repositories found matching %q.", pc.FindRepo)
	}
	for i, r := range repos {
		pc.Display.ShowInfo("  %d. %s (%d stars, %s)\n", i+1, r.FullName, r.Stars, cmp.Or(r.Language, "unknown"))
	}

	pick, byModel, err := p.sel.PickRepo(ctx, repos, pc.FindRepo)
	if err != nil {
		return nil, err
	}
	pc.Log.Decision("repo_selected", "best match for "+pc.FindRepo, map[string]any{"repo": pick.FullName, "picked_by_model": byModel})

	repo, err := p.gh.ValidateRepo(ctx, pick.FullName)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", pick.FullName, err)
	}
	if repo == nil {
		return nil, Abort("Repository %s not found or not accessible.", pick.FullName)
	}

	pc.Repo = pick.FullName
	pc.Candidates = repos
	pc.Display.ShowInfo("  Selected %s\n", pc.Repo)
	pc.Log.SetContext(map[string]any{"repo": pc.Repo})
	return pc, nil
}

func (p *Pipeline) findIssue(ctx context.Context, pc *Context) (*Context, error) {
	pc.Display.ShowStepHeader("Step: Selecting an issue")

	var issue github.Issue
	if pc.IssueNumber != 0 {
		found, err := p.gh.FetchIssue(ctx, pc.Repo, pc.IssueNumber)
		if err != nil {
			return nil, fmt.Errorf("fetching issue #%d: %w", pc.IssueNumber, err)
		}
		if found == nil {
			return nil, Abort("Issue #%d not found in %s.", pc.IssueNumber, pc.Repo)
		}
		if found.State != "open" {
			return nil, Abort("Issue #%d is %s, not open.", found.Number, found.State)
		}
		claimed, reason, err := p.gh.ActiveWork(ctx, pc.Repo, *found)
		if err != nil {
			clog.FromContext(ctx).Warnf("claim check for #%d failed: %v", found.Number, err)
		}
		if claimed {
			return nil, Abort("%s", reason)
		}
		issue = *found
	} else {
		picked, err := p.pickIssue(ctx, pc)
		if err != nil {
			return nil, err
		}
		issue = picked
	}

	pc.Issue = &issue
	pc.Display.ShowInfo("  Issue #%d: %s\n", issue.Number, issue.Title)
	pc.Log.SetContext(map[string]any{"repo": pc.Repo, "issue": issue.Number})
	return pc, nil
}

// pickIssue lists open issues, moving on to the other search candidates
// when the selected repository has none, and asks for the best match among
// the unclaimed codable ones.
func (p *Pipeline) pickIssue(ctx context.Context, pc *Context) (github.Issue, error) {
	issues, err := p.gh.ListOpenIssues(ctx, pc.Repo, issueListLimit)
	if err != nil {
		return github.Issue{}, fmt.Errorf("listing issues in %s: %w", pc.Repo, err)
	}
	for _, c := range pc.Candidates {
		if len(issues) > 0 {
			break
		}
		if c.FullName == pc.Repo {
			continue
		}
		pc.Display.ShowInfo("  No open issues in %s, trying %s\n", pc.Repo, c.FullName)
		issues, err = p.gh.ListOpenIssues(ctx, c.FullName, issueListLimit)
		if err != nil {
			return github.Issue{}, fmt.Errorf("listing issues in %s: %w", c.FullName, err)
		}
		if len(issues) > 0 {
			pc.Repo = c.FullName
			pc.Log.Decision("repo_switched", "previous candidate had no open issues", map[string]any{"repo": pc.Repo})
			pc.Log.SetContext(map[string]any{"repo": pc.Repo})
		}
	}
	if len(issues) == 0 {
		return github.Issue{}, Abort("No open issues found in %s.", pc.Repo)
	}

	codable := selection.FilterCodable(issues)
	if len(codable) == 0 {
		return github.Issue{}, Abort("All %d open issues in %s are labelled as non-coding.", len(issues), pc.Repo)
	}

	var free []github.Issue
	for _, issue := range codable {
		claimed, reason, err := p.gh.ActiveWork(ctx, pc.Repo, issue)
		if err != nil {
			clog.FromContext(ctx).Warnf("claim check for #%d failed: %v", issue.Number, err)
		}
		if claimed {
			pc.Display.ShowInfo("  Skipping #%d: %s\n", issue.Number, firstLine(strings.TrimPrefix(reason, "Issue is already being worked on:\n  - ")))
			continue
		}
		free = append(free, issue)
	}
	if len(free) == 0 {
		return github.Issue{}, Abort("All candidate issues in %s are already being worked on.", pc.Repo)
	}

	description := cmp.Or(pc.Find, selection.DefaultFind)
	issue, byModel, err := p.sel.PickIssue(ctx, free, description)
	if err != nil {
		return github.Issue{}, err
	}
	pc.Log.Decision("issue_selected", "best match for "+description, map[string]any{
		"issue":           issue.Number,
		"title":           issue.Title,
		"candidates":      len(free),
		"picked_by_model": byModel,
	})
	return issue, nil
}

func (p *Pipeline) forkAndClone(ctx context.Context, pc *Context) (*Context, error) {
	pc.Display.ShowStepHeader("Step: Forking and cloning " + pc.Repo)

	pc.Display.StartSpinner("Forking " + pc.Repo)
	fork, err := p.gh.Fork(ctx, pc.Repo)
	pc.Display.StopSpinner()
	if errors.Is(err, github.ErrForkUnavailable) {
		return nil, Abort("Fork of %s is not available yet. Try again in a minute.", pc.Repo)
	}
	if err != nil {
		return nil, fmt.Errorf("forking %s: %w", pc.Repo, err)
	}
	pc.Fork = fork
	pc.Log.SetContext(map[string]any{"fork": fork})
	pc.Display.ShowInfo("  Fork: %s\n", fork)

	repo, err := p.cloneWithUpstream(ctx, pc, fork)
	if err != nil {
		return nil, err
	}
	pc.repo = repo
	pc.DefaultBranch = repo.DefaultBranch()
	pc.Log.SetContext(map[string]any{"default_branch": pc.DefaultBranch})
	pc.Display.ShowInfo("  Cloned into %s (default branch %s)\n", repo.Path, pc.DefaultBranch)
	return pc, nil
}

func (p *Pipeline) cloneWithUpstream(ctx context.Context, pc *Context, fork string) (*git.Repo, error) {
	pc.Display.StartSpinner("Cloning " + fork)
	defer pc.Display.StopSpinner()
	repo, err := git.Clone(ctx, p.cloneURL(fork), p.cfg.RepoPath(), p.gitOptions(pc))
	if err != nil {
		return nil, err
	}
	pc.Display.StartSpinner("Fetching " + pc.Repo)
	if err := repo.SetUpstream(ctx, p.cloneURL(pc.Repo)); err != nil {
		return nil, err
	}
	return repo, nil
}

func (p *Pipeline) prepareBranch(ctx context.Context, pc *Context) (*Context, error) {
	pc.Display.ShowStepHeader("Step: Preparing branch")
	repo, err := p.workingCopy(pc)
	if err != nil {
		return nil, err
	}

	guidelines, files := git.ReadGuidelines(repo.Path)
	if len(files) > 0 {
		pc.Display.ShowInfo("  Guidelines: %s\n", strings.Join(files, ", "))
	}
	pc.Guidelines = guidelines

	pre, err := p.sel.PreWork(ctx, *pc.Issue, guidelines)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		pc.Display.ShowWarning("branch name and compliance checks failed, using defaults")
	}
	pc.Log.Decision("guidelines_compliance", pre.Compliance.Reason, map[string]any{
		"compliance": pre.Compliance.Decision,
		"branch":     pre.Branch,
	})
	if !pre.Compliance.Proceed() {
		pc.Display.ShowRule("CANNOT COMPLY WITH CONTRIBUTING GUIDELINES")
		pc.Display.ShowInfo("  %s\n", pre.Compliance.Reason)
		return nil, Abort("Cannot comply with the contributing guidelines: %s", pre.Compliance.Reason)
	}

	if err := repo.CreateBranch(pre.Branch, pc.DefaultBranch); err != nil {
		return nil, err
	}
	pc.Branch = pre.Branch
	pc.Log.SetContext(map[string]any{"branch": pc.Branch})
	pc.Display.ShowInfo("  Branch: %s (from %s/%s)\n", pc.Branch, git.UpstreamRemote, pc.DefaultBranch)
	return pc, nil
}

func (p *Pipeline) work(ctx context.Context, pc *Context) (*Context, error) {
	repo, err := p.workingCopy(pc)
	if err != nil {
		return nil, err
	}

	notes := prompt.AgentNotes(*pc.Issue, repo.Path, pc.Branch, pc.Guidelines)
	if err := git.WriteAgentNotes(repo.Path, notes); err != nil {
		clog.FromContext(ctx).Warnf("writing agent notes: %v", err)
	}
	defer git.RemoveAgentNotes(repo.Path)

	pc.RepoContext = git.GatherContext(repo.Path)

	outcome, err := engine.RunSession(ctx, p.eng, engine.Request{
		Prompt:          prompt.Work(*pc.Issue, pc.Repo, pc.Guidelines, pc.RepoContext),
		SystemPrompt:    prompt.WorkerSystem(repo.Path),
		AllowedTools:    prompt.WorkTools,
		DisallowedTools: prompt.DisallowedTools,
		MaxTurns:        p.cfg.WorkMaxTurns,
		MaxBudgetUSD:    pc.Budget,
		WorkDir:         repo.Path,
		Model:           p.cfg.Model,
	}, engine.SessionOptions{
		StepName: "implement",
		Header:   fmt.Sprintf("Step: Implementing a fix for #%d", pc.Issue.Number),
		Activity: "implementing",
		Log:      pc.Log,
		Display:  pc.Display,
		RunStart: pc.Start,
	})
	pc.ToolCalls = outcome.ToolCalls
	pc.ToolErrors = len(outcome.Errors)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (p *Pipeline) reviewAndPublish(ctx context.Context, pc *Context) (*Context, error) {
	repo, err := p.workingCopy(pc)
	if err != nil {
		return nil, err
	}
	issue := *pc.Issue
	base := pc.DefaultBranch

	if err := p.commitAndStrip(ctx, pc, repo); err != nil {
		return nil, err
	}
	if err := p.showDiff(pc, repo); err != nil {
		return nil, err
	}

	outcome, err := engine.RunSession(ctx, p.eng, engine.Request{
		Prompt:          prompt.Review(base, pc.Diff),
		SystemPrompt:    prompt.ReviewerSystem(repo.Path),
		AllowedTools:    prompt.ReviewTools,
		DisallowedTools: prompt.DisallowedTools,
		MaxTurns:        p.cfg.ReviewMaxTurns,
		MaxBudgetUSD:    pc.Budget,
		WorkDir:         repo.Path,
		Model:           p.cfg.Model,
	}, engine.SessionOptions{
		StepName: "self_review",
		Header:   "Step: Self-review",
		Activity: "reviewing",
		Log:      pc.Log,
		Display:  pc.Display,
		RunStart: pc.Start,
	})
	if err != nil {
		return nil, err
	}

	verdict := engine.ClassifyVerdict(outcome.Output)
	if !verdict.Approved {
		pc.Display.ShowRule("SELF-REVIEW REJECTED")
		pc.Display.ShowInfo("  %s\n", verdict.Reason)
		return nil, Abort("Self-review rejected the changes: %s", verdict.Reason)
	}
	pc.Display.ShowRule("SELF-REVIEW APPROVED")
	pc.Log.Decision("review_approved", "reviewer did not reject", nil)

	// The reviewer may have fixed things itself.
	if dirty, err := repo.HasChanges(); err == nil && dirty {
		if err := p.commitAndStrip(ctx, pc, repo); err != nil {
			return nil, err
		}
		if _, _, err := p.diff(pc, repo); err != nil {
			return nil, err
		}
	}

	desc, generated := prdesc.Generate(ctx, p.prompter, p.cfg.QuickModel, issue, pc.Diff)
	if !generated {
		pc.Display.ShowWarning("PR description query failed, using the template")
	}
	pc.PRTitle = desc.Title
	pc.PRBody = prdesc.WithFooter(desc.Body)

	pc.Display.StartSpinner("Pushing " + pc.Branch + " to " + pc.Fork)
	err = repo.Push(ctx, pc.Branch)
	pc.Display.StopSpinner()
	if err != nil {
		return nil, err
	}

	if err := prdesc.Save(p.cfg.PRDescriptionPath(), pc.PRBody); err != nil {
		clog.FromContext(ctx).Warnf("saving PR description: %v", err)
	}

	link, truncated := prdesc.CompareURL(pc.Repo, base, prdesc.ForkOwner(pc.Fork), pc.Branch,
		prdesc.Description{Title: pc.PRTitle, Body: pc.PRBody})
	pc.CompareURL = link
	if truncated {
		pc.Display.ShowInfo("  Note: the description is too long for the link; paste it from %s\n", p.cfg.PRDescriptionPath())
	}
	pc.Log.Decision("branch_pushed", "self-review approved", map[string]any{"branch": pc.Branch, "compare_url": link})

	pc.Display.ShowBanner("BRANCH PUSHED — click to open PR", link)
	elapsed := time.Since(pc.Start).Round(time.Second)
	pc.Display.ShowInfo("\nTotal runtime: %dm %ds\n", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	return pc, nil
}

// commitAndStrip commits whatever the agent left uncommitted and removes
// co-author trailers from every commit ahead of the base.
func (p *Pipeline) commitAndStrip(ctx context.Context, pc *Context, repo *git.Repo) error {
	res, err := repo.CommitPending(pc.Issue.Number, pc.DefaultBranch)
	if errors.Is(err, git.ErrNoChanges) {
		return Abort("No changes were made. The agent did not modify any files.")
	}
	if err != nil {
		return err
	}
	if res.Committed {
		pc.Display.ShowInfo("  Committed pending changes: %s\n", res.Message)
	}
	pc.Display.ShowInfo("  %d commit(s) ahead of %s/%s\n", res.Ahead, git.UpstreamRemote, pc.DefaultBranch)

	stripped, err := repo.StripCoAuthorTrailers(pc.DefaultBranch)
	if err != nil {
		return err
	}
	if stripped > 0 {
		clog.FromContext(ctx).Infof("removed co-author trailers from %d commit(s)", stripped)
		pc.Log.Decision("trailers_stripped", "co-author trailers removed before push", map[string]any{"commits": stripped})
	}
	return nil
}

func (p *Pipeline) diff(pc *Context, repo *git.Repo) (string, string, error) {
	diff, stat, err := repo.Diff(pc.DefaultBranch, maxReviewDiff)
	if err != nil {
		return "", "", err
	}
	pc.Diff = diff
	return diff, stat, nil
}

func (p *Pipeline) showDiff(pc *Context, repo *git.Repo) error {
	diff, stat, err := p.diff(pc, repo)
	if err != nil {
		return err
	}
	pc.Display.ShowRule("FILES CHANGED")
	pc.Display.ShowInfo("%s\n", strings.TrimRight(stat, "\n"))
	pc.Display.ShowRule("DIFF")
	pc.Display.ShowInfo("%s\n", strings.TrimRight(diff, "\n"))
	pc.Display.ShowRule("END DIFF")
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
