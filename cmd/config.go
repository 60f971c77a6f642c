package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/klauskode/klaus-kode/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Long: `Show the resolved klaus-kode configuration.

Settings come from the config file (--config, $KLAUS_CONFIG or
<workspace>/klaus.yaml) over the built-in defaults. Credentials are
read from the environment and a .env file; only whether they are set
is shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context(), config.Options{ConfigPath: configFlag, DotEnv: ".env"})
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// shownConfig is the YAML rendering of a resolved config, using the same
// keys as the config file.
type shownConfig struct {
	Workspace        string `yaml:"workspace"`
	Model            string `yaml:"model"`
	QuickModel       string `yaml:"quickModel"`
	WorkMaxTurns     int    `yaml:"workMaxTurns"`
	ReviewMaxTurns   int    `yaml:"reviewMaxTurns"`
	GitUser          string `yaml:"gitUser"`
	GitEmail         string `yaml:"gitEmail"`
	ForkWaitAttempts int    `yaml:"forkWaitAttempts"`
	ForkWaitInterval string `yaml:"forkWaitInterval"`
	CloneDepth       int    `yaml:"cloneDepth"`
}

func printConfig(w io.Writer, cfg *config.Config) error {
	if cfg.Path == "" {
		fmt.Fprintln(w, "No config file found (using defaults)")
	} else {
		fmt.Fprintf(w, "Current configuration (%s):\n", cfg.Path)
	}
	fmt.Fprintln(w)

	out, err := yaml.Marshal(shownConfig{
		Workspace:        cfg.Workspace,
		Model:            cfg.Model,
		QuickModel:       cfg.QuickModel,
		WorkMaxTurns:     cfg.WorkMaxTurns,
		ReviewMaxTurns:   cfg.ReviewMaxTurns,
		GitUser:          cfg.GitUser,
		GitEmail:         cfg.GitEmail,
		ForkWaitAttempts: cfg.ForkWaitAttempts,
		ForkWaitInterval: cfg.ForkWaitInterval.String(),
		CloneDepth:       cfg.CloneDepth,
	})
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	fmt.Fprint(w, string(out))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Credentials:")
	fmt.Fprintf(w, "  GitHub token: %s\n", setOrMissing(cfg.Env.Token() != ""))
	if auth := cfg.Env.AgentAuth(); auth != "" {
		fmt.Fprintf(w, "  Agent:        %s\n", auth)
	} else {
		fmt.Fprintf(w, "  Agent:        %s\n", setOrMissing(false))
	}
	return nil
}

func setOrMissing(set bool) string {
	if set {
		return "set"
	}
	return "missing"
}
