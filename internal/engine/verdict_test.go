package engine

import "testing"

func TestClassifyVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Verdict
	}{
		{"approved", "Looks good.\nAPPROVED", Verdict{Approved: true}},
		{"rejected with reason", "Checked the diff.\nREJECTED: tests fail", Verdict{Reason: "tests fail"}},
		{"trailing blank lines", "REJECTED: no tests\n\n  \n", Verdict{Reason: "no tests"}},
		{"markdown emphasis", "**REJECTED: breaks API**", Verdict{Reason: "breaks API"}},
		{"rejected without reason", "REJECTED", Verdict{Reason: "no reason given"}},
		{"rejected earlier then approved", "REJECTED: first pass\nfixed it\nAPPROVED", Verdict{Approved: true}},
		{"rejected mid text only", "I would have REJECTED this\nAPPROVED", Verdict{Approved: true}},
		{"empty output", "", Verdict{Approved: true}},
		{"no sentinel", "all done", Verdict{Approved: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyVerdict(tt.output); got != tt.want {
				t.Errorf("ClassifyVerdict(%q) = %+v, want %+v", tt.output, got, tt.want)
			}
		})
	}
}
