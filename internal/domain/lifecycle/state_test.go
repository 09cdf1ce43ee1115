package lifecycle

import "testing"

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		expected bool
	}{
		{StateIngested, false},
		{StateExtracting, false},
		{StateValidating, false},
		{StateAwaitingInfo, false},
		{StateStaged, false},
		{StateAwaitingApproval, false},
		{StateApproved, false},
		{StateAwaitingPayment, false},
		{StateRejected, true},
		{StateCompleted, true},
		{StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.expected {
				t.Errorf("State.IsTerminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_IsValid(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected bool
	}{
		{"valid state", StateIngested, true},
		{"valid state", StateCompleted, true},
		{"invalid state", State("INVALID"), false},
		{"empty state", State(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.expected {
				t.Errorf("State.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{"ingested to extracting", StateIngested, StateExtracting, true},
		{"extracting to validating", StateExtracting, StateValidating, true},
		{"validating to staged", StateValidating, StateStaged, true},
		{"validating to awaiting info", StateValidating, StateAwaitingInfo, true},
		{"awaiting info loops back", StateAwaitingInfo, StateValidating, true},
		{"awaiting info reminder self-loop", StateAwaitingInfo, StateAwaitingInfo, true},
		{"staged to awaiting approval", StateStaged, StateAwaitingApproval, true},
		{"approval reminder self-loop", StateAwaitingApproval, StateAwaitingApproval, true},
		{"awaiting approval to approved", StateAwaitingApproval, StateApproved, true},
		{"awaiting approval to rejected", StateAwaitingApproval, StateRejected, true},
		{"approved to awaiting payment", StateApproved, StateAwaitingPayment, true},
		{"awaiting payment to completed", StateAwaitingPayment, StateCompleted, true},
		{"any state to failed", StateAwaitingInfo, StateFailed, true},
		{"no backwards to ingested", StateValidating, StateIngested, false},
		{"no skip to completed", StateStaged, StateCompleted, false},
		{"terminal rejected is absorbing", StateRejected, StateAwaitingApproval, false},
		{"terminal completed is absorbing", StateCompleted, StateFailed, false},
		{"terminal failed is absorbing", StateFailed, StateValidating, false},
		{"invalid target", StateIngested, State("INVALID"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.expected {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}
