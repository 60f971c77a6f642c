package selection

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/klauskode/klaus-kode/internal/engine"
	"github.com/klauskode/klaus-kode/internal/github"
)

// answers returns a prompter that replies per query name.
func answers(replies map[string]string, errs map[string]error) engine.Prompter {
	return engine.PrompterFunc(func(_ context.Context, req engine.QuickRequest) (string, error) {
		if err := errs[req.Name]; err != nil {
			return "", err
		}
		return replies[req.Name], nil
	})
}

var candidates = []github.Repository{{FullName: "a/one"}, {FullName: "b/two"}, {FullName: "c/three"}}

func TestPickRepo(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		err        error
		want       string
		wantPicked bool
	}{
		{"valid index", `{"repo_index": 2}`, nil, "b/two", true},
		{"out of range", `{"repo_index": 9}`, nil, "a/one", false},
		{"zero", `{"repo_index": 0}`, nil, "a/one", false},
		{"garbage", `not json`, nil, "a/one", false},
		{"query error", "", errors.New("timeout"), "a/one", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Selector{Prompter: answers(map[string]string{"pick_repo": tt.reply}, map[string]error{"pick_repo": tt.err})}
			got, picked, err := s.PickRepo(context.Background(), candidates, "markdown")
			if err != nil {
				t.Fatalf("PickRepo() error = %v", err)
			}
			if got.FullName != tt.want || picked != tt.wantPicked {
				t.Errorf("PickRepo() = %s, %v; want %s, %v", got.FullName, picked, tt.want, tt.wantPicked)
			}
		})
	}
}

func TestPickIssue(t *testing.T) {
	issues := []github.Issue{{Number: 3}, {Number: 8}, {Number: 13}}
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"known number", `{"issue_number": 13}`, 13},
		{"unknown number", `{"issue_number": 99}`, 3},
		{"empty reply", ``, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Selector{Prompter: answers(map[string]string{"pick_issue": tt.reply}, nil)}
			got, _, err := s.PickIssue(context.Background(), issues, DefaultFind)
			if err != nil {
				t.Fatalf("PickIssue() error = %v", err)
			}
			if got.Number != tt.want {
				t.Errorf("PickIssue() = #%d, want #%d", got.Number, tt.want)
			}
		})
	}
}

func TestValidBranchName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"fix/issue-7", true},
		{"feature/GH-7_crash.fix", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 100), true},
		{strings.Repeat("a", 101), false},
	}
	for _, tt := range tests {
		if got := ValidBranchName(tt.name); got != tt.want {
			t.Errorf("ValidBranchName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPreWork(t *testing.T) {
	issue := github.Issue{Number: 7, Title: "Crash"}
	defaults := PreWork{Branch: "fix/issue-7", Compliance: Compliance{Decision: "PROCEED"}}

	tests := []struct {
		name       string
		guidelines string
		replies    map[string]string
		errs       map[string]error
		want       PreWork
		wantErr    bool
		wantCalls  int32
	}{
		{
			name:      "no guidelines",
			want:      defaults,
			wantCalls: 0,
		},
		{
			name:       "both answered",
			guidelines: "Use feature/ branches.",
			replies: map[string]string{
				"branch_name": `{"branch_name": " feature/crash-7 "}`,
				"compliance":  `{"decision": "PROCEED", "reason": "no CLA"}`,
			},
			want:      PreWork{Branch: "feature/crash-7", Compliance: Compliance{Decision: "PROCEED", Reason: "no CLA"}},
			wantCalls: 2,
		},
		{
			name:       "abort with invalid branch",
			guidelines: "CLA required.",
			replies: map[string]string{
				"branch_name": `{"branch_name": "bad name!"}`,
				"compliance":  `{"decision": "ABORT", "reason": "CLA required"}`,
			},
			want:      PreWork{Branch: "fix/issue-7", Compliance: Compliance{Decision: "ABORT", Reason: "CLA required"}},
			wantCalls: 2,
		},
		{
			name:       "one failure falls back for both",
			guidelines: "CLA required.",
			replies: map[string]string{
				"branch_name": `{"branch_name": "feature/x"}`,
			},
			errs:      map[string]error{"compliance": errors.New("quota")},
			want:      defaults,
			wantErr:   true,
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			inner := answers(tt.replies, tt.errs)
			s := &Selector{Prompter: engine.PrompterFunc(func(ctx context.Context, req engine.QuickRequest) (string, error) {
				calls.Add(1)
				return inner.Prompt(ctx, req)
			})}

			got, err := s.PreWork(context.Background(), issue, tt.guidelines)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PreWork() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("PreWork() mismatch (-want +got):\n%s", diff)
			}
			// errgroup cancels the sibling on failure, but both were started.
			if tt.wantCalls == 0 && calls.Load() != 0 {
				t.Errorf("PreWork() made %d queries, want none", calls.Load())
			}
			if tt.wantCalls > 0 && calls.Load() != tt.wantCalls {
				t.Errorf("PreWork() made %d queries, want %d", calls.Load(), tt.wantCalls)
			}
			if got.Compliance.Proceed() != (got.Compliance.Decision != "ABORT") {
				t.Error("Proceed() disagrees with Decision")
			}
		})
	}
}

// cancelling answers every query by cancelling the run, as a Ctrl-C arriving
// mid-query would.
func cancelling(cancel context.CancelFunc) engine.Prompter {
	return engine.PrompterFunc(func(ctx context.Context, req engine.QuickRequest) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
}

func TestCancelledQueriesDoNotFallBack(t *testing.T) {
	issue := github.Issue{Number: 7}

	t.Run("PickRepo", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := &Selector{Prompter: cancelling(cancel)}
		if got, _, err := s.PickRepo(ctx, candidates, "x"); !errors.Is(err, context.Canceled) || got.FullName != "" {
			t.Errorf("PickRepo() = %q, %v; want no pick and context.Canceled", got.FullName, err)
		}
	})
	t.Run("PickIssue", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := &Selector{Prompter: cancelling(cancel)}
		if got, _, err := s.PickIssue(ctx, []github.Issue{issue}, DefaultFind); !errors.Is(err, context.Canceled) || got.Number != 0 {
			t.Errorf("PickIssue() = #%d, %v; want no pick and context.Canceled", got.Number, err)
		}
	})
	t.Run("PreWork", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := &Selector{Prompter: cancelling(cancel)}
		got, err := s.PreWork(ctx, issue, "Sign the CLA.")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("PreWork() error = %v, want context.Canceled", err)
		}
		if diff := cmp.Diff(PreWork{}, got); diff != "" {
			t.Errorf("PreWork() returned defaults after cancel (-want +got):\n%s", diff)
		}
	})
}

func TestFilterCodable(t *testing.T) {
	issues := []github.Issue{
		{Number: 1, Labels: []string{"bug"}},
		{Number: 2, Labels: []string{"Question"}},
		{Number: 3},
		{Number: 4, Labels: []string{"enhancement", "Needs-Info"}},
		{Number: 5, Labels: []string{"won't fix"}},
	}
	var got []int
	for _, i := range FilterCodable(issues) {
		got = append(got, i.Number)
	}
	if diff := cmp.Diff([]int{1, 3}, got); diff != "" {
		t.Errorf("FilterCodable() mismatch (-want +got):\n%s", diff)
	}
}
