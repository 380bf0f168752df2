package proto

import (
	"strings"
	"testing"
)

func TestValidPhaseTransition(t *testing.T) {
	tests := []struct {
		from  Phase
		to    Phase
		valid bool
	}{
		{PhaseAwaitingUserInput, PhaseAwaitingModelResponse, true},
		{PhaseAwaitingModelResponse, PhaseAwaitingUserInput, true},
		{PhaseAwaitingModelResponse, PhaseDispatchingTools, true},
		{PhaseDispatchingTools, PhaseAwaitingModelResponse, true},

		// Everything else is illegal.
		{PhaseAwaitingUserInput, PhaseDispatchingTools, false},
		{PhaseAwaitingUserInput, PhaseAwaitingUserInput, false},
		{PhaseDispatchingTools, PhaseAwaitingUserInput, false},
		{PhaseDispatchingTools, PhaseDispatchingTools, false},
		{PhaseAwaitingModelResponse, PhaseAwaitingModelResponse, false},
		{Phase("BOGUS"), PhaseAwaitingUserInput, false},
	}

	for _, tt := range tests {
		got := ValidPhaseTransition(tt.from, tt.to)
		if got != tt.valid {
			t.Errorf("ValidPhaseTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestParsePhase(t *testing.T) {
	phase, err := ParsePhase("awaiting_user_input")
	if err != nil {
		t.Fatalf("ParsePhase failed: %v", err)
	}
	if phase != PhaseAwaitingUserInput {
		t.Errorf("Expected %s, got %s", PhaseAwaitingUserInput, phase)
	}

	if _, err := ParsePhase("NAPPING"); err == nil {
		t.Error("Expected error for unknown phase")
	}
}

func TestAllPhasesCoveredByTable(t *testing.T) {
	for _, p := range AllPhases() {
		if _, ok := PhaseTransitions[p]; !ok {
			t.Errorf("Phase %s has no transition table entry", p)
		}
	}
	if len(PhaseTransitions) != len(AllPhases()) {
		t.Errorf("Transition table has %d entries, want %d", len(PhaseTransitions), len(AllPhases()))
	}
}

func TestRenderMermaid(t *testing.T) {
	graph := RenderMermaid()

	if !strings.HasPrefix(graph, "flowchart TD") {
		t.Errorf("Expected mermaid flowchart header, got %q", graph)
	}
	for _, edge := range []string{
		"AWAITING_USER_INPUT --> AWAITING_MODEL_RESPONSE",
		"AWAITING_MODEL_RESPONSE --> DISPATCHING_TOOLS",
		"AWAITING_MODEL_RESPONSE --> AWAITING_USER_INPUT",
		"DISPATCHING_TOOLS --> AWAITING_MODEL_RESPONSE",
	} {
		if !strings.Contains(graph, edge) {
			t.Errorf("Mermaid graph missing edge %q", edge)
		}
	}
}
