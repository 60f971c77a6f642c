package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/git"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/runlog"
	"github.com/klauskode/klaus-kode/internal/session"
)

// ExitInterrupted is the process exit code after an interrupt.
const ExitInterrupted = 130

// Inputs are the command-line choices for one run.
type Inputs struct {
	Repo        string   // owner/name; empty when FindRepo is used
	FindRepo    string   // repository search description
	IssueNumber int      // zero means pick one
	Find        string   // issue search description
	Verbose     int
	Budget      *float64 // USD ceiling per agent session; nil means none
}

// Context is the mutable record threaded through every step of one run.
type Context struct {
	Inputs

	Start         time.Time
	Login         string
	Candidates    []github.Repository
	Issue         *github.Issue
	Fork          string
	DefaultBranch string
	Branch        string
	Guidelines    string
	RepoContext   string
	ToolCalls     int // tool calls made by the work agent
	ToolErrors    int
	Diff          string
	PRTitle       string
	PRBody        string
	CompareURL    string

	Log     *runlog.Logger
	Session *session.Session
	Display *engine.Display

	repo *git.Repo
}

// NewContext creates the context for a run starting now.
func NewContext(in Inputs, log *runlog.Logger, sess *session.Session, display *engine.Display) *Context {
	return &Context{Inputs: in, Start: time.Now(), Log: log, Session: sess, Display: display}
}

// ExitError ends the run early with a process exit code and a reason shown
// to the user. It is an expected outcome, not a failure of the tool.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("aborted (exit %d): %s", e.Code, e.Reason)
}

// Abort returns an ExitError with exit code 1.
func Abort(format string, args ...any) error {
	return &ExitError{Code: 1, Reason: fmt.Sprintf(format, args...)}
}

// Interrupted reports whether err comes from a cancelled run.
func Interrupted(err error) bool {
	return errors.Is(err, engine.ErrInterrupted) || errors.Is(err, context.Canceled)
}

// ExitCode maps the result of Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if Interrupted(err) {
		return ExitInterrupted
	}
	return 1
}
