package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/klauskode/klaus-kode/internal/config"
	"github.com/klauskode/klaus-kode/internal/pipeline"
	"github.com/klauskode/klaus-kode/internal/runlog"
	"github.com/klauskode/klaus-kode/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved session",
	Long: `Show which pipeline steps the saved session has completed and
what each one recorded. The next run resumes at the first pending step.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context(), config.Options{ConfigPath: configFlag, DotEnv: ".env"})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if err := printStatus(w, session.Load(cfg.SessionPath())); err != nil {
			return err
		}
		return printLastRun(w, cfg.LogDir())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, sess *session.Session) error {
	fmt.Fprintf(w, "Session: %s\n\n", sess.Path())
	if len(sess.CompletedSteps) == 0 {
		fmt.Fprintln(w, "No steps completed yet.")
		return nil
	}

	for _, step := range pipeline.StepNames {
		if !sess.IsCompleted(step) {
			fmt.Fprintf(w, "  [ ] %s\n", step)
			continue
		}
		fmt.Fprintf(w, "  [x] %s\n", step)
		var outputs map[string]any
		ok, err := sess.Output(step, &outputs)
		if err != nil {
			return fmt.Errorf("decoding %s outputs: %w", step, err)
		}
		if !ok {
			continue
		}
		for _, key := range slices.Sorted(maps.Keys(outputs)) {
			value, err := json.Marshal(outputs[key])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "        %s: %s\n", key, truncate(string(value), 100))
		}
	}
	return nil
}

// printLastRun summarizes the newest run log in dir: its outcome, the last
// step it started and any pushed branch link.
func printLastRun(w io.Writer, dir string) error {
	path, err := runlog.Latest(dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	if path == "" {
		fmt.Fprintln(w, "No run logs yet.")
		return nil
	}
	entries, err := runlog.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	fmt.Fprintf(w, "Last run: %s\n", path)
	var lastStep string
	var end runlog.Entry
	for _, e := range entries {
		switch e.Type() {
		case runlog.TypeStepStart:
			lastStep, _ = e["step_name"].(string)
		case runlog.TypeRunEnd:
			end = e
		}
	}
	if lastStep != "" {
		fmt.Fprintf(w, "  last step: %s\n", lastStep)
	}
	if end == nil {
		fmt.Fprintln(w, "  outcome:   still running or killed")
		return nil
	}
	fmt.Fprintf(w, "  exit code: %v\n", end["exit_code"])
	if url, _ := end["pr_url"].(string); url != "" {
		fmt.Fprintf(w, "  open PR:   %s\n", truncate(url, 100))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
