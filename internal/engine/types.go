package engine

import (
	"context"
	"time"
)

// Event is one decoded message from an agent's event stream. The concrete
// types below are the only implementations.
type Event interface {
	isEvent()
}

// SystemNotice is an informational message from the agent runtime.
type SystemNotice struct {
	Subtype string
	Model   string
}

// MessageStart marks the start of an assistant message.
type MessageStart struct{}

// TextDelta is a block of free text produced by the agent.
type TextDelta struct {
	Text string
}

// ToolUse is a tool invocation request.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries the result of an earlier ToolUse.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// RunResult is the terminal event of an invocation.
type RunResult struct {
	Text       string
	Turns      int
	Usage      Usage
	CostUSD    float64
	IsError    bool
	Subtype    string // success, error_max_turns, error_max_budget_usd, ...
	DurationMs float64
}

func (SystemNotice) isEvent() {}
func (MessageStart) isEvent() {}
func (TextDelta) isEvent()    {}
func (ToolUse) isEvent()      {}
func (ToolResult) isEvent()   {}
func (RunResult) isEvent()    {}

// Usage is the token accounting reported with a RunResult.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Total returns the sum of every token counter.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Map returns the usage in the shape recorded in the run log.
func (u Usage) Map() map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
	}
}

// Request describes one agent invocation.
type Request struct {
	Prompt          string
	SystemPrompt    string
	AllowedTools    []string
	DisallowedTools []string
	MaxTurns        int
	MaxBudgetUSD    *float64 // nil means no budget ceiling
	WorkDir         string
	Model           string // empty selects the agent's default
}

// Stream is a running agent invocation. Events is closed once the agent's
// output is exhausted; Wait then reports how the process ended.
type Stream interface {
	Events() <-chan Event
	Wait() error
}

// Engine defines the interface for agent backends.
type Engine interface {
	// Name returns the engine identifier (e.g., "claude")
	Name() string

	// Start launches the agent. Cancelling ctx terminates it.
	Start(ctx context.Context, req Request) (Stream, error)
}

// QuickRequest is a single-turn, tool-less query whose answer must match
// Schema.
type QuickRequest struct {
	Name   string // short label used in logs
	Prompt string
	Schema map[string]any
	Model  string
}

// Prompter answers quick queries. The returned string is the raw JSON
// document produced for the schema.
type Prompter interface {
	Prompt(ctx context.Context, req QuickRequest) (string, error)
}

// DefaultTimeout bounds a single agent invocation.
const DefaultTimeout = 60 * time.Minute

