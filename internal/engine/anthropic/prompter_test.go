package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/klauskode/klaus-kode/internal/engine"
)

func messagesServer(t *testing.T, reply string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-haiku-4-5",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrompt_ExtractsJSON(t *testing.T) {
	var req map[string]any
	srv := messagesServer(t, "Sure!\n```json\n{\"issue_number\": 42, \"reason\": \"small\"}\n```", &req)

	p := New("test-key", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	got, err := p.Prompt(context.Background(), engine.QuickRequest{
		Name:   "pick_issue",
		Prompt: "Pick one.",
		Schema: map[string]any{"type": "object"},
		Model:  "haiku",
	})
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	var decoded struct {
		IssueNumber int `json:"issue_number"`
	}
	if err := json.Unmarshal([]byte(got), &decoded); err != nil || decoded.IssueNumber != 42 {
		t.Fatalf("Prompt() = %q (%v)", got, err)
	}

	if req["model"] != "claude-haiku-4-5" {
		t.Errorf("model = %v, want alias resolved", req["model"])
	}
	msgs, _ := json.Marshal(req["messages"])
	if !strings.Contains(string(msgs), "Pick one.") || !strings.Contains(string(msgs), "matching this schema") {
		t.Errorf("messages = %s", msgs)
	}
}

func TestPrompt_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	p := New("bad", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if _, err := p.Prompt(context.Background(), engine.QuickRequest{Name: "x", Prompt: "y"}); err == nil {
		t.Fatal("Prompt() expected error")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", "Here you go: {\"a\": {\"b\": 2}} hope it helps", `{"a": {"b": 2}}`, false},
		{"none", "no json here", "", true},
		{"truncated", `{"a":`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
