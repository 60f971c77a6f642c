// Package anthropic answers quick queries through the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/klauskode/klaus-kode/internal/engine"
)

// DefaultModel is used when a QuickRequest names no model or uses a CLI
// alias the API does not accept.
const DefaultModel = "claude-haiku-4-5"

const maxTokens = 1024

// cliAliases are the short model names the Claude CLI accepts.
var cliAliases = map[string]string{
	"haiku":  "claude-haiku-4-5",
	"sonnet": "claude-sonnet-4-5",
	"opus":   "claude-opus-4-1",
}

// Prompter implements engine.Prompter on the Messages API.
type Prompter struct {
	client sdk.Client
}

// New creates a prompter authenticated with apiKey. Extra options are passed
// to the client, e.g. option.WithBaseURL in tests.
func New(apiKey string, opts ...option.RequestOption) *Prompter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Prompter{client: sdk.NewClient(opts...)}
}

// Prompt sends req as a single user message and returns the JSON object
// found in the reply.
func (p *Prompter) Prompt(ctx context.Context, req engine.QuickRequest) (string, error) {
	prompt := req.Prompt
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		prompt += "\n\nRespond with only a JSON object matching this schema, no other text:\n" + string(schema)
	}

	model := req.Model
	if alias, ok := cliAliases[model]; ok {
		model = alias
	}
	if model == "" {
		model = DefaultModel
	}

	resp, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("quick query %q: %w", req.Name, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if req.Schema == nil {
		return strings.TrimSpace(text.String()), nil
	}
	return ExtractJSON(text.String())
}

// ExtractJSON returns the first JSON object in text, ignoring markdown code
// fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errors.New("no JSON object in response")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", fmt.Errorf("decoding JSON object: %w", err)
	}
	return string(raw), nil
}
