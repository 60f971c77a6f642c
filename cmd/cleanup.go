package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/klauskode/klaus-kode/internal/config"
)

var (
	cleanupDryRun bool
	cleanupLogs   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove the saved session and working files",
	Long: `Remove what a run leaves in the workspace so the next run starts
from scratch:
  - session.json (saved progress)
  - repo/ (the clone of the fork)
  - pr_description.md

Run logs are kept unless --logs is given.

Use --dry-run to preview what would be removed without making changes.

This command is idempotent and safe to run multiple times.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context(), config.Options{ConfigPath: configFlag, DotEnv: ".env"})
		if err != nil {
			return err
		}
		return runCleanupFn(cfg, cleanupDryRun, cleanupLogs, cmd.OutOrStdout())
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Preview changes without removing files")
	cleanupCmd.Flags().BoolVar(&cleanupLogs, "logs", false, "Also remove run logs")
	rootCmd.AddCommand(cleanupCmd)
}

// runCleanupFn removes the workspace artifacts of cfg, writing one line per
// path to out.
func runCleanupFn(cfg *config.Config, dryRun, logs bool, out io.Writer) error {
	paths := []string{cfg.SessionPath(), cfg.RepoPath(), cfg.PRDescriptionPath()}
	if logs {
		paths = append(paths, cfg.LogDir())
	}

	removed := 0
	for _, path := range paths {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if dryRun {
			fmt.Fprintf(out, "Would remove: %s\n", path)
		} else {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			fmt.Fprintf(out, "Removed: %s\n", path)
		}
		removed++
	}

	switch {
	case removed == 0:
		fmt.Fprintln(out, "Nothing to clean up.")
	case dryRun:
		fmt.Fprintf(out, "\nWould remove %d path(s). Run without --dry-run to remove.\n", removed)
	default:
		fmt.Fprintf(out, "\nRemoved %d path(s).\n", removed)
	}
	return nil
}
