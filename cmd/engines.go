package cmd

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/klauskode/klaus-kode/internal/engine"

	// Register available engines.
	_ "github.com/klauskode/klaus-kode/internal/engine/claude"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List the registered agent engines",
	Long: `List the agent engines klaus-kode can drive and whether each
one's command line tool is on PATH.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		listEngines(cmd.OutOrStdout(), exec.LookPath)
	},
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}

func listEngines(w io.Writer, lookPath func(string) (string, error)) {
	for _, r := range engine.Registered() {
		status := r.Command + " not found on PATH"
		if path, err := lookPath(r.Command); err == nil {
			status = path
		}
		fmt.Fprintf(w, "  %-8s %s\n", r.Name, status)
	}
}
