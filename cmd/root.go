package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/klauskode/klaus-kode/internal/config"
	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/engine/anthropic"
	"github.com/klauskode/klaus-kode/internal/engine/claude"
	"github.com/klauskode/klaus-kode/internal/github"
	"github.com/klauskode/klaus-kode/internal/pipeline"
	"github.com/klauskode/klaus-kode/internal/runlog"
	"github.com/klauskode/klaus-kode/internal/selection"
	"github.com/klauskode/klaus-kode/internal/session"
)

// Root command flags
var (
	repoFlag     string
	findRepoFlag string
	issueFlag    int
	findFlag     string
	budgetFlag   float64
	verboseFlag  int
	freshFlag    bool
	configFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "klaus-kode",
	Short: "Klaus Kode - fix one GitHub issue with an AI coding agent",
	Long: `Klaus Kode picks a GitHub issue, forks and clones the repository,
lets Claude Code implement a fix, self-reviews the diff and pushes a
branch ready to be opened as a pull request.

Progress is saved after every step in <workspace>/session.json. Running
the same command again resumes where the previous run stopped; use
--fresh to start over.

Examples:
  klaus-kode --repo owner/name --issue 42
  klaus-kode --repo owner/name --find "small documentation bug"
  klaus-kode --find-repo "python http client" --budget 2.50 -v`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFix,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&repoFlag, "repo", "", "Repository to work on (owner/name)")
	f.StringVar(&findRepoFlag, "find-repo", "", "Search for a repository matching a description")
	f.IntVar(&issueFlag, "issue", 0, "Issue number to fix")
	f.StringVar(&findFlag, "find", "", "Describe the kind of issue to pick (default: \""+selection.DefaultFind+"\")")
	f.Float64Var(&budgetFlag, "budget", 0, "Maximum spend in USD per agent session")
	f.CountVarP(&verboseFlag, "verbose", "v", "Show more output (-v, -vv)")
	f.BoolVar(&freshFlag, "fresh", false, "Discard the saved session and start over")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <workspace>/klaus.yaml)")

	rootCmd.MarkFlagsMutuallyExclusive("repo", "find-repo")
	rootCmd.MarkFlagsOneRequired("repo", "find-repo")
	rootCmd.MarkFlagsMutuallyExclusive("issue", "find")
}

// Execute runs the root command and exits with the run's exit code.
func Execute() {
	err := rootCmd.Execute()
	code := pipeline.ExitCode(err)
	var exit *pipeline.ExitError
	if err != nil && !errors.As(err, &exit) && !pipeline.Interrupted(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if code != 0 {
		os.Exit(code)
	}
}

// inputOptions are the raw flag values for one run.
type inputOptions struct {
	Repo      string
	FindRepo  string
	Issue     int
	Find      string
	Budget    float64
	BudgetSet bool
	Verbose   int
}

// inputs validates the flag combination cobra cannot express and builds the
// pipeline inputs.
func (o inputOptions) inputs() (pipeline.Inputs, error) {
	switch {
	case o.Repo == "" && o.FindRepo == "":
		return pipeline.Inputs{}, errors.New("one of --repo or --find-repo is required")
	case o.Repo != "" && o.FindRepo != "":
		return pipeline.Inputs{}, errors.New("--repo and --find-repo cannot be used together")
	case o.Issue != 0 && o.Find != "":
		return pipeline.Inputs{}, errors.New("--issue and --find cannot be used together")
	case o.Issue != 0 && o.FindRepo != "":
		return pipeline.Inputs{}, errors.New("--issue cannot be used with --find-repo: the issue number depends on the repository")
	case o.Issue < 0:
		return pipeline.Inputs{}, fmt.Errorf("invalid issue number %d", o.Issue)
	case o.BudgetSet && o.Budget <= 0:
		return pipeline.Inputs{}, fmt.Errorf("--budget must be positive, got %v", o.Budget)
	}
	if o.Repo != "" {
		if _, _, err := github.SplitRepo(o.Repo); err != nil {
			return pipeline.Inputs{}, err
		}
	}

	in := pipeline.Inputs{
		Repo:        o.Repo,
		FindRepo:    o.FindRepo,
		IssueNumber: o.Issue,
		Find:        o.Find,
		Verbose:     o.Verbose,
	}
	if o.BudgetSet {
		budget := o.Budget
		in.Budget = &budget
	}
	return in, nil
}

// logLevel maps -v occurrences to the diagnostic log level.
func logLevel(verbose int) slog.Level {
	switch {
	case verbose >= 2:
		return slog.LevelDebug
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// withLogger installs a text logger on ctx writing to w.
func withLogger(ctx context.Context, w io.Writer, verbose int) context.Context {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel(verbose)})
	return clog.WithLogger(ctx, clog.New(handler))
}

// newPrompter answers quick queries through the API when a key is set and
// through the claude CLI otherwise.
func newPrompter(cfg *config.Config) engine.Prompter {
	if cfg.Env.AnthropicAPIKey != "" {
		return anthropic.New(cfg.Env.AnthropicAPIKey)
	}
	return claude.NewPrompter()
}

func runFix(cmd *cobra.Command, args []string) error {
	in, err := inputOptions{
		Repo:      repoFlag,
		FindRepo:  findRepoFlag,
		Issue:     issueFlag,
		Find:      findFlag,
		Budget:    budgetFlag,
		BudgetSet: cmd.Flags().Changed("budget"),
		Verbose:   verboseFlag,
	}.inputs()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = withLogger(ctx, os.Stderr, verboseFlag)

	cfg, err := config.Load(ctx, config.Options{ConfigPath: configFlag, DotEnv: ".env"})
	if err != nil {
		return err
	}

	sess := session.Load(cfg.SessionPath())
	if freshFlag {
		if err := sess.Reset(); err != nil {
			return fmt.Errorf("resetting session: %w", err)
		}
	}

	log := runlog.New(cfg.LogDir())
	clog.FromContext(ctx).Infof("run %s logging to %s", log.RunID(), log.Path())

	display := engine.NewDisplay(os.Stdout)
	display.SetVerbosity(verboseFlag)

	gh, err := github.New(ctx, cfg.Env.Token(), cfg.Env.GitHubAPIURL)
	if err != nil {
		return err
	}
	gh.ForkWaitAttempts = cfg.ForkWaitAttempts
	gh.ForkWaitInterval = cfg.ForkWaitInterval

	eng, err := engine.New("claude")
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Deps{
		Config:   cfg,
		GitHub:   gh,
		Engine:   eng,
		Prompter: engine.WithLog(newPrompter(cfg), log),
		Out:      os.Stdout,
	})
	return p.Run(ctx, pipeline.NewContext(in, log, sess, display))
}
