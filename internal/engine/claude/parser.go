package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/klauskode/klaus-kode/internal/engine"
)

// Parser decodes Claude's stream-json output into engine events.
type Parser struct{}

// NewParser creates a new Claude output parser.
func NewParser() *Parser {
	return &Parser{}
}

type streamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Model   string          `json:"model"`
	Message json.RawMessage `json:"message"`

	// result lines
	Result       string       `json:"result"`
	IsError      bool         `json:"is_error"`
	NumTurns     int          `json:"num_turns"`
	DurationMs   float64      `json:"duration_ms"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	Usage        engine.Usage `json:"usage"`
}

type message struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine decodes a single line. Blank, malformed and irrelevant lines
// yield no events; one assistant or user message can yield several.
func (p *Parser) ParseLine(line []byte) []engine.Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil
	}

	switch l.Type {
	case "system":
		return []engine.Event{engine.SystemNotice{Subtype: l.Subtype, Model: l.Model}}
	case "assistant":
		return p.parseAssistant(l.Message)
	case "user":
		return p.parseUser(l.Message)
	case "result":
		return []engine.Event{engine.RunResult{
			Text:       l.Result,
			Turns:      l.NumTurns,
			Usage:      l.Usage,
			CostUSD:    l.TotalCostUSD,
			IsError:    l.IsError || l.Subtype != "success",
			Subtype:    l.Subtype,
			DurationMs: l.DurationMs,
		}}
	default:
		return nil
	}
}

func decodeMessage(raw json.RawMessage) (message, bool) {
	var m message
	if len(raw) == 0 {
		return m, false
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, false
	}
	return m, true
}

func (p *Parser) parseAssistant(raw json.RawMessage) []engine.Event {
	msg, ok := decodeMessage(raw)
	if !ok {
		return nil
	}

	events := []engine.Event{engine.MessageStart{}}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			events = append(events, engine.TextDelta{Text: block.Text})
		case "tool_use":
			events = append(events, engine.ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return events
}

func (p *Parser) parseUser(raw json.RawMessage) []engine.Event {
	msg, ok := decodeMessage(raw)
	if !ok {
		return nil
	}

	var events []engine.Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, engine.ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   toolResultText(block.Content),
			IsError:   block.IsError,
		})
	}
	return events
}

// toolResultText flattens tool_result content, which is either a string or a
// list of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
