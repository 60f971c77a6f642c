package prdesc

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/github"
)

var issue = github.Issue{Number: 12, Title: "Handle empty config"}

func TestGenerate(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		err       error
		want      Description
		generated bool
	}{
		{
			name:      "generated",
			reply:     `{"title": " Handle empty config files ", "body": "Fixes #12\n"}`,
			want:      Description{Title: "Handle empty config files", Body: "Fixes #12"},
			generated: true,
		},
		{name: "query error", err: errors.New("exit status 1"), want: Template(issue)},
		{name: "empty title", reply: `{"title": "", "body": "x"}`, want: Template(issue)},
		{name: "not json", reply: "sorry", want: Template(issue)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq engine.QuickRequest
			p := engine.PrompterFunc(func(_ context.Context, req engine.QuickRequest) (string, error) {
				gotReq = req
				return tt.reply, tt.err
			})
			got, generated := Generate(context.Background(), p, "haiku", issue, "+x")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Generate() mismatch (-want +got):\n%s", diff)
			}
			if generated != tt.generated {
				t.Errorf("generated = %v, want %v", generated, tt.generated)
			}
			if gotReq.Name != "pr_description" || gotReq.Model != "haiku" || gotReq.Schema == nil {
				t.Errorf("request = %+v", gotReq)
			}
		})
	}
}

func TestTemplate(t *testing.T) {
	d := Template(issue)
	if d.Title != "Fix #12: Handle empty config" {
		t.Errorf("Title = %q", d.Title)
	}
	if !strings.Contains(d.Body, "Fixes #12") || !strings.HasPrefix(d.Body, "## Summary") {
		t.Errorf("Body = %q", d.Body)
	}
}

func TestCompareURL(t *testing.T) {
	d := Description{Title: "Fix #12: a & b", Body: "line 1\nline 2"}
	link, truncated := CompareURL("octo/hello", "main", "me", "fix/issue-12", d)
	if truncated {
		t.Fatal("short body should not be truncated")
	}
	if !strings.HasPrefix(link, "https://github.com/octo/hello/compare/main...me:fix/issue-12?quick_pull=1&title=") {
		t.Errorf("link = %s", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("title") != d.Title || q.Get("body") != d.Body {
		t.Errorf("query round trip = %v", q)
	}
	if strings.Contains(link, "+") {
		t.Errorf("spaces should be %%20 encoded: %s", link)
	}
}

func TestCompareURL_DropsLongBody(t *testing.T) {
	d := Description{Title: "t", Body: strings.Repeat("word ", 3000)}
	link, truncated := CompareURL("octo/hello", "main", "me", "b", d)
	if !truncated {
		t.Fatal("expected body to be dropped")
	}
	if strings.Contains(link, "body=") || len(link) > MaxURLLength {
		t.Errorf("link still carries body (%d chars)", len(link))
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pr_description.md")
	body := WithFooter("Fixes #12")
	if err := Save(path, body); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "Fixes #12\n\n---\n") || !strings.Contains(string(data), "opt-out requests") {
		t.Errorf("saved = %q", data)
	}
}

func TestForkOwner(t *testing.T) {
	if got := ForkOwner("me/hello"); got != "me" {
		t.Errorf("ForkOwner() = %q", got)
	}
}
