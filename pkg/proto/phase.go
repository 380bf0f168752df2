// Package proto defines the conversation data model shared across the
// machine, the model clients, and the checkpoint store: phases,
// messages, tool calls, and checkpoints.
package proto

import (
	"fmt"
	"strings"
)

// Phase represents the current state of a conversation session.
type Phase string

const (
	// PhaseAwaitingUserInput is the initial and resumable phase; the
	// session is suspended waiting for the next line of user text.
	PhaseAwaitingUserInput Phase = "AWAITING_USER_INPUT"

	// PhaseAwaitingModelResponse means a model call is due or in flight.
	PhaseAwaitingModelResponse Phase = "AWAITING_MODEL_RESPONSE"

	// PhaseDispatchingTools means the last model response requested tool
	// calls that have not all resolved yet.
	PhaseDispatchingTools Phase = "DISPATCHING_TOOLS"
)

// PhaseTransitions is the single source of truth for legal phase
// transitions. The only conditional branch is out of
// AWAITING_MODEL_RESPONSE, decided purely by the presence of tool calls
// in the model response.
//
//nolint:gochecknoglobals // Single source of truth for the FSM
var PhaseTransitions = map[Phase][]Phase{
	PhaseAwaitingUserInput: {
		PhaseAwaitingModelResponse,
	},
	PhaseAwaitingModelResponse: {
		PhaseAwaitingUserInput,
		PhaseDispatchingTools,
	},
	PhaseDispatchingTools: {
		PhaseAwaitingModelResponse,
	},
}

// ValidPhaseTransition checks if a transition between two phases is allowed.
func ValidPhaseTransition(from, to Phase) bool {
	allowed, ok := PhaseTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// AllPhases returns every phase in a stable order.
func AllPhases() []Phase {
	return []Phase{
		PhaseAwaitingUserInput,
		PhaseAwaitingModelResponse,
		PhaseDispatchingTools,
	}
}

// ValidatePhase validates if a string is a valid phase.
func ValidatePhase(s string) (Phase, bool) {
	switch Phase(s) {
	case PhaseAwaitingUserInput, PhaseAwaitingModelResponse, PhaseDispatchingTools:
		return Phase(s), true
	default:
		return "", false
	}
}

// ParsePhase parses a string into a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	if phase, ok := ValidatePhase(strings.ToUpper(s)); ok {
		return phase, nil
	}
	return "", fmt.Errorf("unknown phase: %s", s)
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// PhaseChange describes one committed phase transition. The machine
// emits these to observers (event log, tests) after the checkpoint write.
type PhaseChange struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id"`
	From      Phase          `json:"from"`
	To        Phase          `json:"to"`
	Seq       int64          `json:"seq"`
}

// RenderMermaid renders the phase graph as a Mermaid flowchart, one edge
// per legal transition.
func RenderMermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, from := range AllPhases() {
		for _, to := range PhaseTransitions[from] {
			fmt.Fprintf(&b, "    %s --> %s\n", from, to)
		}
	}
	return b.String()
}
