package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/klauskode/klaus-kode/internal/runlog"
)

func TestWithLog_RecordsQueries(t *testing.T) {
	log := runlog.New("")
	calls := 0
	p := WithLog(PrompterFunc(func(_ context.Context, req QuickRequest) (string, error) {
		calls++
		if req.Name == "compliance" {
			return "", errors.New("quota")
		}
		return `{"branch_name":"fix/a"}`, nil
	}), log)

	if out, err := p.Prompt(context.Background(), QuickRequest{Name: "branch_name"}); err != nil || out != `{"branch_name":"fix/a"}` {
		t.Fatalf("Prompt = %q, %v", out, err)
	}
	if _, err := p.Prompt(context.Background(), QuickRequest{Name: "compliance"}); err == nil {
		t.Fatal("expected error to pass through")
	}

	entries := log.Entries()
	if calls != 2 || len(entries) != 2 {
		t.Fatalf("calls=%d entries=%d", calls, len(entries))
	}
	if entries[0]["cmd"] != "claude quick branch_name" || entries[0]["returncode"] != float64(0) {
		t.Errorf("first entry = %v", entries[0])
	}
	if entries[1]["returncode"] != float64(1) || entries[1]["stderr"] != "quota" {
		t.Errorf("second entry = %v", entries[1])
	}
}
