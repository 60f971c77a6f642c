package engine

import "testing"

func TestTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from ActivityState
		to   ActivityState
	}{
		{"Idle→Waiting", StateIdle, StateWaiting},
		{"Idle→Idle", StateIdle, StateIdle},
		{"Waiting→Waiting", StateWaiting, StateWaiting},
		{"Waiting→Tool", StateWaiting, StateTool},
		{"Waiting→Done", StateWaiting, StateDone},
		{"Waiting→Interrupted", StateWaiting, StateInterrupted},
		{"Waiting→Failed", StateWaiting, StateFailed},
		{"Tool→Waiting", StateTool, StateWaiting},
		{"Tool→Tool", StateTool, StateTool},
		{"Tool→Done", StateTool, StateDone},
		{"Tool→Interrupted", StateTool, StateInterrupted},
		{"Done→Interrupted", StateDone, StateInterrupted},
		{"Done→Idle", StateDone, StateIdle},
		{"Interrupted→Idle", StateInterrupted, StateIdle},
		{"Failed→Idle", StateFailed, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Transition(tt.from, tt.to); err != nil {
				t.Errorf("expected valid transition %s → %s, got error: %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from ActivityState
		to   ActivityState
	}{
		{"Idle→Tool", StateIdle, StateTool},
		{"Idle→Done", StateIdle, StateDone},
		{"Idle→Interrupted", StateIdle, StateInterrupted},
		{"Done→Tool", StateDone, StateTool},
		{"Done→Waiting", StateDone, StateWaiting},
		{"Interrupted→Waiting", StateInterrupted, StateWaiting},
		{"Interrupted→Done", StateInterrupted, StateDone},
		{"Failed→Tool", StateFailed, StateTool},
		{"Waiting→Idle", StateWaiting, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Transition(tt.from, tt.to); err == nil {
				t.Errorf("expected error for invalid transition %s → %s, got nil", tt.from, tt.to)
			}
		})
	}
}

func TestTransition_UnknownState(t *testing.T) {
	if err := Transition(ActivityState(99), StateIdle); err == nil {
		t.Fatal("expected error for unknown source state")
	}
}

func TestActivityState_String(t *testing.T) {
	tests := []struct {
		state ActivityState
		want  string
	}{
		{StateIdle, "Idle"},
		{StateWaiting, "Waiting"},
		{StateTool, "Tool"},
		{StateDone, "Done"},
		{StateInterrupted, "Interrupted"},
		{StateFailed, "Failed"},
		{ActivityState(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ActivityState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestActivityState_Active(t *testing.T) {
	for _, s := range []ActivityState{StateWaiting, StateTool} {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []ActivityState{StateIdle, StateDone, StateInterrupted, StateFailed} {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
}
