// Package pipeline runs the fixed sequence of steps that takes one GitHub
// issue from selection to a pushed branch. Completed steps are checkpointed
// in the session so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chainguard-dev/clog"

	"github.com/klauskode/klaus-kode/internal/config"
	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/selection"
)

// Step names, in execution order.
const (
	StepCheckPrerequisites = "check_prerequisites"
	StepFindRepo           = "find_repo"
	StepFindIssue          = "find_issue"
	StepForkAndClone       = "fork_and_clone"
	StepPrepareBranch      = "prepare_branch"
	StepWork               = "work"
	StepReviewAndPublish   = "review_and_publish"
)

// StepFunc performs one step, reading and updating the context.
type StepFunc func(ctx context.Context, pc *Context) (*Context, error)

// Step is a named pipeline stage.
type Step struct {
	Name string
	Run  StepFunc
	// Outputs returns what to checkpoint after the step succeeds.
	Outputs func(pc *Context) any
	// Restore reapplies checkpointed outputs when the step is skipped.
	Restore func(ctx context.Context, pc *Context) error
}

// GitHub is the subset of the GitHub client the steps use.
type GitHub interface {
	CheckAuth(ctx context.Context) (string, error)
	TokenScopes(ctx context.Context) github.Scopes
	ValidateRepo(ctx context.Context, fullName string) (*github.Repository, error)
	FetchIssue(ctx context.Context, fullName string, number int) (*github.Issue, error)
	ListOpenIssues(ctx context.Context, fullName string, limit int) ([]github.Issue, error)
	SearchRepos(ctx context.Context, description string, limit int) ([]github.Repository, error)
	Fork(ctx context.Context, fullName string) (string, error)
	ActiveWork(ctx context.Context, fullName string, issue github.Issue) (bool, string, error)
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Config   *config.Config
	GitHub   GitHub
	Engine   engine.Engine
	Prompter engine.Prompter
	// CloneURL maps owner/name to a clone URL. Defaults to github.com HTTPS.
	CloneURL func(fullName string) string
	// Out receives the final log dump. Defaults to os.Stdout.
	Out io.Writer
}

// Pipeline runs the steps.
type Pipeline struct {
	cfg      *config.Config
	gh       GitHub
	eng      engine.Engine
	prompter engine.Prompter
	sel      *selection.Selector
	cloneURL func(string) string
	out      io.Writer
	steps    []Step
}

// New creates a pipeline with the standard steps.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		cfg:      deps.Config,
		gh:       deps.GitHub,
		eng:      deps.Engine,
		prompter: deps.Prompter,
		sel:      &selection.Selector{Prompter: deps.Prompter, Model: deps.Config.QuickModel},
		cloneURL: deps.CloneURL,
		out:      deps.Out,
	}
	if p.cloneURL == nil {
		p.cloneURL = func(fullName string) string { return "https://github.com/" + fullName + ".git" }
	}
	if p.out == nil {
		p.out = os.Stdout
	}
	p.steps = p.standardSteps()
	return p
}

// StepNames lists every step in execution order.
var StepNames = []string{
	StepCheckPrerequisites,
	StepFindRepo,
	StepFindIssue,
	StepForkAndClone,
	StepPrepareBranch,
	StepWork,
	StepReviewAndPublish,
}

// Run executes every step not already completed in pc.Session. The run end
// entry and the log dump are written however Run returns, panics included.
// An *ExitError is returned unchanged; other errors are recorded once in
// the log.
func (p *Pipeline) Run(ctx context.Context, pc *Context) (err error) {
	log := clog.FromContext(ctx)
	pc.Log.RunStart(runArgs(pc.Inputs))

	defer func() {
		if r := recover(); r != nil {
			pc.Log.Error(fmt.Errorf("panic: %v", r))
			pc.Log.RunEnd(1, p.endFields(pc))
			pc.Log.Flush(p.out)
			panic(r)
		}
		code := ExitCode(err)
		pc.Log.RunEnd(code, p.endFields(pc))
		pc.Log.Flush(p.out)
	}()

	for _, step := range p.steps {
		if ctx.Err() != nil {
			return p.interrupted(pc, ctx.Err())
		}

		if pc.Session.IsCompleted(step.Name) {
			pc.Display.ShowInfo("  %s: skipping (completed in a previous run)\n", step.Name)
			pc.Log.Decision("step_skipped", "completed in a previous run", map[string]any{"step_name": step.Name})
			if step.Restore != nil {
				if err := step.Restore(ctx, pc); err != nil {
					return p.fail(pc, step.Name, fmt.Errorf("restoring %s: %w", step.Name, err))
				}
			}
			continue
		}

		log.Infof("running step %s", step.Name)
		pc.Log.StepStart(step.Name, "", 0)
		next, stepErr := step.Run(ctx, pc)
		if stepErr == nil && ctx.Err() != nil {
			// A step that swallowed the cancellation must not be checkpointed.
			stepErr = ctx.Err()
		}
		pc.Log.StepEnd(step.Name, ExitCode(stepErr))
		if stepErr != nil {
			return p.fail(pc, step.Name, stepErr)
		}
		if next != nil {
			pc = next
		}

		var outputs any
		if step.Outputs != nil {
			outputs = step.Outputs(pc)
		}
		pc.Session.MarkCompleted(step.Name, outputs)
	}
	return nil
}

func (p *Pipeline) fail(pc *Context, step string, err error) error {
	var exit *ExitError
	switch {
	case errors.As(err, &exit):
		pc.Log.Decision("abort", exit.Reason, map[string]any{"step_name": step, "exit_code": exit.Code})
		pc.Display.ShowAbort(exit.Reason)
		return err
	case Interrupted(err):
		return p.interrupted(pc, err)
	default:
		err = fmt.Errorf("step %s failed: %w", step, err)
		pc.Log.Error(err)
		pc.Display.ShowError(err.Error())
		return err
	}
}

func (p *Pipeline) interrupted(pc *Context, err error) error {
	pc.Display.ShowInfo("\nInterrupted. Progress is saved; run again to resume.\n")
	if !Interrupted(err) {
		err = fmt.Errorf("%w: %w", context.Canceled, err)
	}
	return err
}

func (p *Pipeline) endFields(pc *Context) map[string]any {
	fields := map[string]any{"pr_url": pc.CompareURL}
	if pc.Session != nil {
		fields["completed_steps"] = pc.Session.CompletedSteps
	}
	return fields
}

func runArgs(in Inputs) map[string]any {
	args := map[string]any{
		"repo":      in.Repo,
		"find_repo": in.FindRepo,
		"find":      in.Find,
		"verbose":   in.Verbose,
	}
	if in.IssueNumber != 0 {
		args["issue"] = in.IssueNumber
	} else {
		args["issue"] = nil
	}
	if in.Budget != nil {
		args["budget"] = *in.Budget
	} else {
		args["budget"] = nil
	}
	return args
}
