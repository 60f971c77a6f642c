// Package config loads klaus-kode settings from the YAML config file, the
// environment and an optional .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultWorkspace holds the session, logs, clone and PR description when
// neither KLAUS_WORKSPACE nor the config file names one.
const DefaultWorkspace = ".klaus-kode"

// File names inside the workspace.
const (
	ConfigFile        = "klaus.yaml"
	SessionFile       = "session.json"
	LogsDir           = "logs"
	RepoDir           = "repo"
	PRDescriptionFile = "pr_description.md"
)

// Env is read from the process environment.
type Env struct {
	GitHubToken       string `env:"GH_TOKEN"`
	GitHubTokenLegacy string `env:"GITHUB_TOKEN"`
	GitHubAPIURL      string `env:"GITHUB_API_URL"`
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY"`
	ClaudeOAuthToken  string `env:"CLAUDE_CODE_OAUTH_TOKEN"`
	Workspace         string `env:"KLAUS_WORKSPACE"`
	ConfigPath        string `env:"KLAUS_CONFIG"`
}

// Token returns the GitHub token, preferring GH_TOKEN.
func (e Env) Token() string {
	if e.GitHubToken != "" {
		return e.GitHubToken
	}
	return e.GitHubTokenLegacy
}

// AgentAuth names the variable that authenticates the agent, or "" when
// neither is set. The OAuth token wins when both are present.
func (e Env) AgentAuth() string {
	switch {
	case e.ClaudeOAuthToken != "":
		return "CLAUDE_CODE_OAUTH_TOKEN"
	case e.AnthropicAPIKey != "":
		return "ANTHROPIC_API_KEY"
	}
	return ""
}

// Config is the resolved configuration for one run.
type Config struct {
	Workspace        string
	Model            string
	QuickModel       string
	WorkMaxTurns     int
	ReviewMaxTurns   int
	GitUser          string
	GitEmail         string
	ForkWaitAttempts int
	ForkWaitInterval time.Duration
	CloneDepth       int

	// Path is the config file that was read, or "" when defaults were used.
	Path string
	Env  Env
}

// rawConfig is used for YAML unmarshaling to distinguish missing keys from explicit empty values.
type rawConfig struct {
	Workspace        *string `yaml:"workspace"`
	Model            *string `yaml:"model"`
	QuickModel       *string `yaml:"quickModel"`
	WorkMaxTurns     *int    `yaml:"workMaxTurns"`
	ReviewMaxTurns   *int    `yaml:"reviewMaxTurns"`
	GitUser          *string `yaml:"gitUser"`
	GitEmail         *string `yaml:"gitEmail"`
	ForkWaitAttempts *int    `yaml:"forkWaitAttempts"`
	ForkWaitInterval *string `yaml:"forkWaitInterval"`
	CloneDepth       *int    `yaml:"cloneDepth"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Workspace:        DefaultWorkspace,
		QuickModel:       "haiku",
		WorkMaxTurns:     25,
		ReviewMaxTurns:   15,
		GitUser:          "klaus-kode",
		GitEmail:         "klaus-kode@users.noreply.github.com",
		ForkWaitAttempts: 6,
		ForkWaitInterval: 5 * time.Second,
		CloneDepth:       1,
	}
}

// Validate checks that the fields are usable.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return errors.New("workspace must not be empty")
	}
	if c.WorkMaxTurns <= 0 {
		return errors.New("workMaxTurns must be greater than 0")
	}
	if c.ReviewMaxTurns <= 0 {
		return errors.New("reviewMaxTurns must be greater than 0")
	}
	if c.ForkWaitAttempts <= 0 {
		return errors.New("forkWaitAttempts must be greater than 0")
	}
	if c.ForkWaitInterval < 0 {
		return errors.New("forkWaitInterval must not be negative")
	}
	if c.CloneDepth < 0 {
		return errors.New("cloneDepth must not be negative")
	}
	if c.GitUser == "" || c.GitEmail == "" {
		return errors.New("gitUser and gitEmail must not be empty")
	}
	return nil
}

// Options control where Load looks.
type Options struct {
	// ConfigPath is the --config flag. A path given here must exist.
	ConfigPath string
	// DotEnv is loaded into the process environment before it is read.
	// Missing files are ignored. Empty disables .env loading.
	DotEnv string
	// Lookuper replaces the process environment, for tests.
	Lookuper envconfig.Lookuper
}

// Load resolves the configuration. The config file is --config, then
// $KLAUS_CONFIG, then <workspace>/klaus.yaml; only the last may be absent.
// KLAUS_WORKSPACE overrides the file's workspace key.
func Load(ctx context.Context, opts Options) (*Config, error) {
	if opts.DotEnv != "" {
		if err := godotenv.Load(opts.DotEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", opts.DotEnv, err)
		}
	}

	var env Env
	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	cfg := Default()
	cfg.Env = env
	if env.Workspace != "" {
		cfg.Workspace = env.Workspace
	}

	path, required := opts.ConfigPath, true
	if path == "" {
		path = env.ConfigPath
	}
	if path == "" {
		path, required = filepath.Join(cfg.Workspace, ConfigFile), false
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.Path = path
		if env.Workspace != "" {
			cfg.Workspace = env.Workspace
		}
	case os.IsNotExist(err) && !required:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// merge applies keys set in data over c. Missing keys keep their defaults.
func (c *Config) merge(data []byte) error {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Workspace != nil {
		c.Workspace = *raw.Workspace
	}
	if raw.Model != nil {
		c.Model = *raw.Model
	}
	if raw.QuickModel != nil {
		c.QuickModel = *raw.QuickModel
	}
	if raw.WorkMaxTurns != nil {
		c.WorkMaxTurns = *raw.WorkMaxTurns
	}
	if raw.ReviewMaxTurns != nil {
		c.ReviewMaxTurns = *raw.ReviewMaxTurns
	}
	if raw.GitUser != nil {
		c.GitUser = *raw.GitUser
	}
	if raw.GitEmail != nil {
		c.GitEmail = *raw.GitEmail
	}
	if raw.ForkWaitAttempts != nil {
		c.ForkWaitAttempts = *raw.ForkWaitAttempts
	}
	if raw.ForkWaitInterval != nil {
		d, err := time.ParseDuration(*raw.ForkWaitInterval)
		if err != nil {
			return fmt.Errorf("forkWaitInterval: %w", err)
		}
		c.ForkWaitInterval = d
	}
	if raw.CloneDepth != nil {
		c.CloneDepth = *raw.CloneDepth
	}
	return nil
}

// SessionPath is the session checkpoint file.
func (c *Config) SessionPath() string { return filepath.Join(c.Workspace, SessionFile) }

// LogDir holds the JSONL run logs.
func (c *Config) LogDir() string { return filepath.Join(c.Workspace, LogsDir) }

// RepoPath is where the fork is cloned.
func (c *Config) RepoPath() string { return filepath.Join(c.Workspace, RepoDir) }

// PRDescriptionPath is where the final PR description is saved.
func (c *Config) PRDescriptionPath() string { return filepath.Join(c.Workspace, PRDescriptionFile) }
