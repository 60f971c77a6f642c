package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/klauskode/klaus-kode/internal/engine"
)

// DefaultQuickTimeout bounds a single quick query.
const DefaultQuickTimeout = 3 * time.Minute

// DefaultQuickModel is used when a QuickRequest names no model.
const DefaultQuickModel = "haiku"

// quickResponse is the JSON document printed by --output-format json.
type quickResponse struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	IsError          bool            `json:"is_error"`
	Result           string          `json:"result"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

// Prompter answers quick queries with single-turn, tool-less CLI runs.
type Prompter struct {
	Timeout time.Duration
	Command string
}

// NewPrompter creates a CLI-backed quick prompter.
func NewPrompter() *Prompter {
	return &Prompter{Timeout: DefaultQuickTimeout, Command: "claude"}
}

// BuildArgs returns the CLI arguments for a quick query.
func (p *Prompter) BuildArgs(req engine.QuickRequest) ([]string, error) {
	model := req.Model
	if model == "" {
		model = DefaultQuickModel
	}
	args := []string{
		"-p",
		"--output-format", "json",
		"--max-turns", "1",
		"--model", model,
		"--permission-mode", "bypassPermissions",
	}
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema: %w", err)
		}
		args = append(args, "--json-schema", string(schema))
	}
	return args, nil
}

// Prompt runs req and returns the structured output, or the plain result
// text when the CLI produced none.
func (p *Prompter) Prompt(ctx context.Context, req engine.QuickRequest) (string, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultQuickTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, err := p.BuildArgs(req)
	if err != nil {
		return "", err
	}
	command := p.Command
	if command == "" {
		command = "claude"
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = newSysProcAttr()
	setupProcessCleanup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("quick query %q timed out: %w", req.Name, ctx.Err())
			}
			return "", fmt.Errorf("quick query %q: %w", req.Name, ctx.Err())
		}
		// A non-zero exit that still printed a response is usable.
		if stdout.Len() == 0 || stderr.Len() > 0 {
			return "", fmt.Errorf("quick query %q failed: %w: %s", req.Name, err, strings.TrimSpace(stderr.String()))
		}
	}

	return parseQuickResponse(stdout.Bytes())
}

// parseQuickResponse extracts the answer from the CLI's JSON output. Output
// that is not a result document is returned verbatim.
func parseQuickResponse(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	var resp quickResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Type != "result" {
		if len(data) == 0 {
			return "", errors.New("empty response")
		}
		return string(data), nil
	}

	if resp.IsError || (resp.Subtype != "" && resp.Subtype != "success") {
		msg := resp.Subtype
		if resp.Result != "" {
			msg = resp.Result
		}
		return "", fmt.Errorf("claude execution failed: %s", msg)
	}

	if len(resp.StructuredOutput) > 0 && !bytes.Equal(resp.StructuredOutput, []byte("null")) {
		var s string
		if err := json.Unmarshal(resp.StructuredOutput, &s); err == nil {
			return s, nil
		}
		return string(resp.StructuredOutput), nil
	}
	if resp.Result == "" {
		return "", errors.New("empty result")
	}
	return resp.Result, nil
}
